// Package data implements the primitive value types shared by the router:
// hashes, routing keys and big-endian integers.
package data

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/go-i2p/go-i2pd/lib/common/base32"
	"github.com/go-i2p/go-i2pd/lib/common/base64"
)

// Hash is the universal 32-byte SHA-256 address used for routers,
// destinations and NetDb keys.
type Hash [32]byte

// HashData returns the SHA256 sum of a []byte
func HashData(data []byte) (h Hash) {
	h = sha256.Sum256(data)
	return
}

// HashFromBytes copies b into a Hash. ok is false if b is not 32 bytes.
func HashFromBytes(b []byte) (h Hash, ok bool) {
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func (h Hash) Bytes() [32]byte {
	return h
}

// Base64 returns the I2P-alphabet base64 form of the hash.
func (h Hash) Base64() string {
	return base64.EncodeToString(h[:])
}

// Base32 returns the lowercase base32 form used in .b32.i2p hostnames.
func (h Hash) Base32() string {
	return base32.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Base64()
}

// CreateRoutingKey derives the daily-rotating key the XOR metric is
// computed on: SHA256(hash || yyyymmdd) with the date rendered in UTC.
func CreateRoutingKey(h Hash, now time.Time) Hash {
	buf := make([]byte, 0, len(h)+8)
	buf = append(buf, h[:]...)
	buf = append(buf, now.UTC().Format("20060102")...)
	return HashData(buf)
}

// XORDistance is the routing metric between two 32-byte keys, compared
// as a 256-bit big-endian integer.
type XORDistance [32]byte

// Distance XORs two hashes.
func Distance(a, b Hash) (d XORDistance) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return
}

// Less reports whether d is strictly closer than other.
func (d XORDistance) Less(other XORDistance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// MaxXORDistance is further than any real distance.
func MaxXORDistance() (d XORDistance) {
	for i := range d {
		d[i] = 0xff
	}
	return
}
