package su3

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSU3(t *testing.T, content, signature []byte) []byte {
	t.Helper()
	version := make([]byte, 16)
	copy(version, "3")
	signerID := []byte("reseed@example.i2p")

	buf := make([]byte, 0, 128+len(content)+len(signature))
	buf = append(buf, "I2Psu3"...)
	buf = append(buf, 0, 0)          // unused, version
	buf = append(buf, 0x00, 0x08)    // EdDSA
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(signature)))
	buf = append(buf, u16[:]...)
	buf = append(buf, 0)                  // unused
	buf = append(buf, byte(len(version))) // version length
	buf = append(buf, 0)                  // unused
	buf = append(buf, byte(len(signerID)))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(len(content)))
	buf = append(buf, u64[:]...)
	buf = append(buf, 0)    // unused
	buf = append(buf, 0x00) // zip
	buf = append(buf, 0)    // unused
	buf = append(buf, 0x03) // reseed
	buf = append(buf, make([]byte, 12)...)
	buf = append(buf, version...)
	buf = append(buf, signerID...)
	buf = append(buf, content...)
	buf = append(buf, signature...)
	return buf
}

func TestReadParsesReseedContainer(t *testing.T) {
	content := []byte("zip bytes here")
	signature := make([]byte, 64)
	su3File, err := Read(buildSU3(t, content, signature))
	require.NoError(t, err)

	assert.Equal(t, EdDSA_SHA512_Ed25519ph, su3File.SignatureType)
	assert.Equal(t, ZIP, su3File.FileType)
	assert.Equal(t, RESEED, su3File.ContentType)
	assert.Equal(t, "3", su3File.Version)
	assert.Equal(t, "reseed@example.i2p", su3File.SignerID)
	assert.Equal(t, content, su3File.Content)
	assert.Len(t, su3File.Signature, 64)
}

func TestReadRejectsBadMagicAndTruncation(t *testing.T) {
	good := buildSU3(t, []byte("content"), make([]byte, 64))

	bad := append([]byte(nil), good...)
	copy(bad, "NOTsu3")
	_, err := Read(bad)
	assert.ErrorIs(t, err, ErrMissingMagicBytes)

	_, err = Read(good[:len(good)-8])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Read(good[:20])
	assert.ErrorIs(t, err, ErrTruncated)
}
