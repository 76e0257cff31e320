package i2np

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/samber/oops"
)

/*
I2P I2NP Data message carrying a gzip-framed client payload.

+----+----+----+----+----+-//
|     length        | gzip ...
+----+----+----+----+----+-//

The gzip header fields are repurposed the way the live network does:
bytes 4-7 (mtime) carry the source and destination ports and byte 9 (OS)
carries the client protocol number.
*/

// Client protocol numbers carried in the gzip OS byte.
const PROTOCOL_TYPE_STREAMING = 6

const (
	gzipPortsOffset    = 4
	gzipProtocolOffset = 9
)

var ERR_DATA_MESSAGE_NOT_ENOUGH_DATA = oops.Errorf("not enough i2np data message data")

// NewDataMessage wraps a client payload for the given protocol, gzip
// compressed with the protocol number stamped into the header.
func NewDataMessage(protocol byte, srcPort, destPort uint16, payload []byte) (*Message, error) {
	var compressed bytes.Buffer
	level := gzip.DefaultCompression
	// tiny payloads are not worth the dictionary
	if len(payload) <= 66 {
		level = gzip.BestSpeed
	}
	zw, err := gzip.NewWriterLevel(&compressed, level)
	if err != nil {
		return nil, oops.Errorf("failed to create compressor: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, oops.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, oops.Errorf("failed to compress payload: %w", err)
	}

	framed := compressed.Bytes()
	binary.BigEndian.PutUint16(framed[gzipPortsOffset:], srcPort)
	binary.BigEndian.PutUint16(framed[gzipPortsOffset+2:], destPort)
	framed[gzipProtocolOffset] = protocol

	buf := make([]byte, 4+len(framed))
	binary.BigEndian.PutUint32(buf, uint32(len(framed)))
	copy(buf[4:], framed)
	return NewMessage(I2NP_MESSAGE_TYPE_DATA, buf), nil
}

// ReadDataMessagePayload unwraps a Data message: returns the protocol
// number and the decompressed client payload, capped at maxSize bytes.
func ReadDataMessagePayload(buf []byte, maxSize int) (protocol byte, payload []byte, err error) {
	if len(buf) < 4+gzipProtocolOffset+1 {
		return 0, nil, ERR_DATA_MESSAGE_NOT_ENOUGH_DATA
	}
	length := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+length {
		return 0, nil, ERR_DATA_MESSAGE_NOT_ENOUGH_DATA
	}
	framed := buf[4 : 4+length]
	protocol = framed[gzipProtocolOffset]

	// decompressors ignore the repurposed mtime and OS fields
	zr, err := gzip.NewReader(bytes.NewReader(framed))
	if err != nil {
		return protocol, nil, oops.Errorf("failed to decompress payload: %w", err)
	}
	defer zr.Close()
	payload, err = io.ReadAll(io.LimitReader(zr, int64(maxSize)))
	if err != nil {
		return protocol, nil, oops.Errorf("failed to decompress payload: %w", err)
	}
	return protocol, payload, nil
}
