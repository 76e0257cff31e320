// Package i2np implements the router-to-router messages the core
// exchanges: the NetDb store/lookup/search-reply family and the Data
// message carrying streaming payloads.
package i2np

import (
	"crypto/rand"
	"encoding/binary"
)

/*
I2P I2NP Message
https://geti2p.net/spec/i2np

Standard (16 bytes):

+----+----+----+----+----+----+----+----+
|type|      msg_id       |  expiration
+----+----+----+----+----+----+----+----+
                         |  size   |chks|
+----+----+----+----+----+----+----+----+

type :: Integer
        length -> 1 byte
        purpose -> identifies the message type

msg_id :: Integer
          length -> 4 bytes
          purpose -> uniquely identifies this message (for some time at least)

expiration :: Date
              8 bytes
              date this message will expire

size :: Integer
        length -> 2 bytes
        purpose -> length of the payload

chks :: Integer
        length -> 1 byte
        purpose -> SHA256 checksum of the payload truncated to the first byte
*/

// I2NP message types handled by the core.
const (
	I2NP_MESSAGE_TYPE_DATABASE_STORE        = 1
	I2NP_MESSAGE_TYPE_DATABASE_LOOKUP       = 2
	I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY = 3
	I2NP_MESSAGE_TYPE_DATA                  = 20
	I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY        = 19
)

// Message is a decoded I2NP message: type and payload, with the header
// bookkeeping fields the transports care about.
type Message struct {
	Type      byte
	MessageID uint32
	Payload   []byte
}

// NewMessage wraps a payload with a fresh random message ID.
func NewMessage(msgType byte, payload []byte) *Message {
	var id [4]byte
	rand.Read(id[:])
	return &Message{
		Type:      msgType,
		MessageID: binary.BigEndian.Uint32(id[:]),
		Payload:   payload,
	}
}
