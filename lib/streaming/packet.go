// Package streaming implements the reliable ordered byte stream the
// client layer runs over single-shot anonymized datagrams: packets,
// per-connection state machines, and the destinations multiplexing them.
package streaming

import (
	"encoding/binary"
	"time"
)

// Packet flags, low bits first.
const (
	FlagSynchronize           uint16 = 0x0001
	FlagClose                 uint16 = 0x0002
	FlagReset                 uint16 = 0x0004
	FlagSignatureIncluded     uint16 = 0x0008
	FlagSignatureRequested    uint16 = 0x0010
	FlagFromIncluded          uint16 = 0x0020
	FlagDelayRequested        uint16 = 0x0040
	FlagMaxPacketSizeIncluded uint16 = 0x0080
	FlagProfileInteractive    uint16 = 0x0100
	FlagEcho                  uint16 = 0x0200
	FlagNoAck                 uint16 = 0x0400
)

const (
	// StreamingMTU bounds the size of one emitted packet.
	StreamingMTU = 1730
	// MaxPacketSize bounds a decompressed received packet.
	MaxPacketSize = 4096

	ResendTimeout        = 10 * time.Second
	MaxNumResendAttempts = 5
)

/*
Packet layout, big-endian:

+----+----+----+----+----+----+----+----+
| sendStreamID      | recvStreamID      |
+----+----+----+----+----+----+----+----+
| sequenceNum       | ackThrough        |
+----+----+----+----+----+----+----+----+
|nack| NACKs (4 bytes each) ...
+----+----+----+----+-//-+----+----+----+
|rdly| flags   | optionSize| option data
+----+----+----+----+----+-//-+----+----+
| payload ...
+-//
*/

const packetHeaderPrefix = 17 // ids, seq, ackThrough, nackCount

// Packet is one streaming packet over its raw buffer. Offset tracks how
// much of the payload the consumer has drained; the receive queue holds
// pointers to this struct.
type Packet struct {
	Buf            []byte
	Offset         int
	ResendAttempts int
}

func (p *Packet) SendStreamID() uint32    { return binary.BigEndian.Uint32(p.Buf[0:]) }
func (p *Packet) ReceiveStreamID() uint32 { return binary.BigEndian.Uint32(p.Buf[4:]) }
func (p *Packet) Seqn() uint32            { return binary.BigEndian.Uint32(p.Buf[8:]) }
func (p *Packet) AckThrough() uint32      { return binary.BigEndian.Uint32(p.Buf[12:]) }
func (p *Packet) NACKCount() int          { return int(p.Buf[16]) }

func (p *Packet) NACK(i int) uint32 {
	return binary.BigEndian.Uint32(p.Buf[packetHeaderPrefix+4*i:])
}

// flagsOffset is right after the NACK list and the resend-delay byte.
func (p *Packet) flagsOffset() int {
	return packetHeaderPrefix + 4*p.NACKCount() + 1
}

func (p *Packet) Flags() uint16 {
	return binary.BigEndian.Uint16(p.Buf[p.flagsOffset():])
}

func (p *Packet) OptionSize() int {
	return int(binary.BigEndian.Uint16(p.Buf[p.flagsOffset()+2:]))
}

// OptionDataOffset is where the option block begins.
func (p *Packet) OptionDataOffset() int {
	return p.flagsOffset() + 4
}

// PayloadOffset is where the payload begins.
func (p *Packet) PayloadOffset() int {
	return p.OptionDataOffset() + p.OptionSize()
}

// Payload returns the undrained payload bytes.
func (p *Packet) Payload() []byte {
	return p.Buf[p.Offset:]
}

func (p *Packet) IsSYN() bool   { return p.Flags()&FlagSynchronize != 0 }
func (p *Packet) IsNoAck() bool { return p.Flags()&FlagNoAck != 0 }

// Valid bounds-checks the header so the accessors cannot run off the
// buffer. Malformed packets are dropped at the door.
func (p *Packet) Valid() bool {
	if len(p.Buf) < packetHeaderPrefix+1+4 {
		return false
	}
	end := p.flagsOffset() + 4
	if len(p.Buf) < end {
		return false
	}
	return len(p.Buf) >= end+p.OptionSize()
}

// packetWriter composes an outgoing packet with explicit big-endian
// writes at well-defined offsets.
type packetWriter struct {
	buf []byte
}

func newPacketWriter(sendStreamID, recvStreamID, seqn, ackThrough uint32) *packetWriter {
	w := &packetWriter{buf: make([]byte, 0, StreamingMTU)}
	w.putUint32(sendStreamID)
	w.putUint32(recvStreamID)
	w.putUint32(seqn)
	w.putUint32(ackThrough)
	w.buf = append(w.buf, 0) // NACK count
	w.buf = append(w.buf, 0) // resend delay
	return w
}

func (w *packetWriter) putUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *packetWriter) putUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *packetWriter) putBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// reserve appends n zero bytes and returns their offset.
func (w *packetWriter) reserve(n int) int {
	offset := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	return offset
}

func (w *packetWriter) packet() *Packet {
	return &Packet{Buf: w.buf}
}
