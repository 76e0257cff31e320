package i2np

import (
	"encoding/binary"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

/*
I2P I2NP DatabaseLookup
https://geti2p.net/spec/i2np#databaselookup

+----+----+----+----+----+----+----+----+
| SHA256 hash as the key to look up     |
+                                       +
|                                       |
+                                       +
|                                       |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
| SHA256 hash of the routerInfo         |
+ who is asking or the gateway to       +
| send the reply to                     |
+                                       +
|                                       |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
|flag| reply_tunnelId    | size    |    |
+----+----+----+----+----+----+----+    +
| SHA256 of key1 to exclude             |
+                                       +
~                                       ~
+----+----+----+----+----+----+----+----+
|                                       |
+   Session key if reply encryption     +
|   was requested                       |
+                                  +----+
|                                  |tags|
+----+----+----+----+----+----+----+----+
|   Session tags if reply encryption    |
~   was requested                       ~
+----+----+----+----+----+----+----+----+

flags ::
     1 byte
     bit 0: deliveryFlag
             0  => send reply directly
             1  => send reply to some tunnel
     bit 1: encryptionFlag
             1  => send encrypted reply using enclosed key and tag

reply_tunnelId ::
               4 byte TunnelID
               only included if deliveryFlag == 1

size ::
     2 byte Integer
     valid range: 0-512
     number of peers to exclude from the DatabaseSearchReplyMessage

excludedPeers ::
              $size SHA256 hashes of 32 bytes each
              an excludedPeer of all zeroes marks the request exploratory
*/

// DatabaseLookup flags.
const (
	DATABASE_LOOKUP_FLAG_TUNNEL    = 0x01
	DATABASE_LOOKUP_FLAG_ENCRYPTED = 0x02
)

// MaxExcludedPeers caps the exclusion list; larger counts are clamped.
const MaxExcludedPeers = 512

var ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA = oops.Errorf("not enough i2np database lookup data")

type DatabaseLookup struct {
	Key           data.Hash
	From          data.Hash
	Flags         byte
	ReplyTunnelID uint32
	ExcludedPeers []data.Hash
	ReplyKey      [32]byte
	ReplyTags     [][32]byte
}

// IsExploratory reports whether the exclusion list carries the all-zero
// marker hash.
func (d *DatabaseLookup) IsExploratory() bool {
	var zero data.Hash
	for _, peer := range d.ExcludedPeers {
		if peer == zero {
			return true
		}
	}
	return false
}

func ReadDatabaseLookup(buf []byte) (DatabaseLookup, error) {
	lookup := DatabaseLookup{}

	length, key, err := readDatabaseLookupKey(buf)
	if err != nil {
		return lookup, err
	}
	lookup.Key = key

	length, from, err := readDatabaseLookupFrom(length, buf)
	if err != nil {
		return lookup, err
	}
	lookup.From = from

	if len(buf) < length+1 {
		return lookup, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	lookup.Flags = buf[length]
	length++

	if lookup.Flags&DATABASE_LOOKUP_FLAG_TUNNEL != 0 {
		if len(buf) < length+4 {
			return lookup, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
		}
		lookup.ReplyTunnelID = binary.BigEndian.Uint32(buf[length:])
		length += 4
	}

	length, excluded, err := readDatabaseLookupExcludedPeers(length, buf)
	if err != nil {
		return lookup, err
	}
	lookup.ExcludedPeers = excluded

	if lookup.Flags&DATABASE_LOOKUP_FLAG_ENCRYPTED != 0 {
		if _, err := readDatabaseLookupReplyCrypto(length, buf, &lookup); err != nil {
			return lookup, err
		}
	}

	return lookup, nil
}

func readDatabaseLookupKey(buf []byte) (int, data.Hash, error) {
	if len(buf) < 32 {
		return 0, data.Hash{}, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	var key data.Hash
	copy(key[:], buf[:32])
	return 32, key, nil
}

func readDatabaseLookupFrom(length int, buf []byte) (int, data.Hash, error) {
	if len(buf) < length+32 {
		return length, data.Hash{}, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	var from data.Hash
	copy(from[:], buf[length:length+32])
	return length + 32, from, nil
}

func readDatabaseLookupExcludedPeers(length int, buf []byte) (int, []data.Hash, error) {
	if len(buf) < length+2 {
		return length, nil, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	size := int(binary.BigEndian.Uint16(buf[length:]))
	length += 2
	if size > MaxExcludedPeers {
		log.WithFields(logger.Fields{
			"at":           "i2np.readDatabaseLookupExcludedPeers",
			"num_excluded": size,
		}).Warn("excluded peer count exceeds 512, clamping to none")
		size = 0
	}
	if len(buf) < length+size*32 {
		return length, nil, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	var excluded []data.Hash
	for i := 0; i < size; i++ {
		var peer data.Hash
		copy(peer[:], buf[length+i*32:])
		excluded = append(excluded, peer)
	}
	return length + size*32, excluded, nil
}

func readDatabaseLookupReplyCrypto(length int, buf []byte, lookup *DatabaseLookup) (int, error) {
	if len(buf) < length+33 {
		return length, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	copy(lookup.ReplyKey[:], buf[length:length+32])
	numTags := int(buf[length+32])
	length += 33
	if len(buf) < length+numTags*32 {
		return length, ERR_DATABASE_LOOKUP_NOT_ENOUGH_DATA
	}
	for i := 0; i < numTags; i++ {
		var tag [32]byte
		copy(tag[:], buf[length+i*32:])
		lookup.ReplyTags = append(lookup.ReplyTags, tag)
	}
	return length + numTags*32, nil
}

// MarshalBinary serializes the lookup payload.
func (d *DatabaseLookup) MarshalBinary() []byte {
	buf := make([]byte, 0, 67+len(d.ExcludedPeers)*32)
	buf = append(buf, d.Key[:]...)
	buf = append(buf, d.From[:]...)
	buf = append(buf, d.Flags)
	if d.Flags&DATABASE_LOOKUP_FLAG_TUNNEL != 0 {
		buf = append(buf, data.IntegerBytes(uint64(d.ReplyTunnelID), 4)...)
	}
	buf = append(buf, data.IntegerBytes(uint64(len(d.ExcludedPeers)), 2)...)
	for _, peer := range d.ExcludedPeers {
		buf = append(buf, peer[:]...)
	}
	if d.Flags&DATABASE_LOOKUP_FLAG_ENCRYPTED != 0 {
		buf = append(buf, d.ReplyKey[:]...)
		buf = append(buf, byte(len(d.ReplyTags)))
		for _, tag := range d.ReplyTags {
			buf = append(buf, tag[:]...)
		}
	}
	return buf
}

// NewRouterInfoLookupMessage builds the RouterInfo-style lookup used by
// requests and exploration. A nonzero replyTunnelID requests tunnel
// delivery to from as the gateway; exploratory lookups carry the all-zero
// excluded peer marker.
func NewRouterInfoLookupMessage(key, from data.Hash, replyTunnelID uint32, exploratory bool, excluded []data.Hash) *Message {
	lookup := DatabaseLookup{
		Key:  key,
		From: from,
	}
	if replyTunnelID != 0 {
		lookup.Flags |= DATABASE_LOOKUP_FLAG_TUNNEL
		lookup.ReplyTunnelID = replyTunnelID
	}
	if exploratory {
		lookup.ExcludedPeers = append(lookup.ExcludedPeers, data.Hash{})
	}
	lookup.ExcludedPeers = append(lookup.ExcludedPeers, excluded...)
	return NewMessage(I2NP_MESSAGE_TYPE_DATABASE_LOOKUP, lookup.MarshalBinary())
}
