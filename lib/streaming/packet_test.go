package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketWriterAccessors(t *testing.T) {
	w := newPacketWriter(0x01020304, 0x05060708, 9, 7)
	w.putUint16(FlagSynchronize | FlagNoAck)
	w.putUint16(2)
	w.putUint16(StreamingMTU)
	w.putBytes([]byte("payload"))

	p := w.packet()
	require.True(t, p.Valid())
	assert.Equal(t, uint32(0x01020304), p.SendStreamID())
	assert.Equal(t, uint32(0x05060708), p.ReceiveStreamID())
	assert.Equal(t, uint32(9), p.Seqn())
	assert.Equal(t, uint32(7), p.AckThrough())
	assert.Equal(t, 0, p.NACKCount())
	assert.True(t, p.IsSYN())
	assert.True(t, p.IsNoAck())
	assert.Equal(t, 2, p.OptionSize())

	p.Offset = p.PayloadOffset()
	assert.Equal(t, []byte("payload"), p.Payload())
}

func TestPacketValidRejectsTruncated(t *testing.T) {
	w := newPacketWriter(1, 2, 3, 4)
	w.putUint16(0)
	w.putUint16(64) // claims a 64-byte option block that is not there
	p := w.packet()
	assert.False(t, p.Valid())

	short := &Packet{Buf: make([]byte, 10)}
	assert.False(t, short.Valid())
}
