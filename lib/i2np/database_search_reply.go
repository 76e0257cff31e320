package i2np

import (
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
)

/*
I2P I2NP DatabaseSearchReply
https://geti2p.net/spec/i2np

+----+----+----+----+----+----+----+----+
| SHA256 hash as query key              |
+                                       +
|                                       |
+                                       +
|                                       |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
| num| peer_hashes                      |
+----+                                  +
|                                       |
+                                       +
|                                       |
+    +----+----+----+----+----+----+----+
|    | from                             |
+----+                                  +
|                                       |
+                                       +
|                                       |
+    +----+----+----+----+----+----+----+
|    |
+----+

num ::
    1 byte Integer
    number of peer hashes that follow, 0-255

peer_hashes ::
          $num SHA256 hashes of 32 bytes each

from ::
     32 bytes
     SHA256 of the RouterInfo of the router this reply was sent from
*/

var ERR_DATABASE_SEARCH_REPLY_NOT_ENOUGH_DATA = oops.Errorf("not enough i2np database search reply data")

type DatabaseSearchReply struct {
	Key        data.Hash
	PeerHashes []data.Hash
	From       data.Hash
}

// NewDatabaseSearchReplyMessage builds the reply listing peers closer to
// the key.
func NewDatabaseSearchReplyMessage(key, from data.Hash, peerHashes []data.Hash) *Message {
	reply := DatabaseSearchReply{Key: key, PeerHashes: peerHashes, From: from}
	return NewMessage(I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY, reply.MarshalBinary())
}

func (d *DatabaseSearchReply) MarshalBinary() []byte {
	buf := make([]byte, 0, 65+len(d.PeerHashes)*32)
	buf = append(buf, d.Key[:]...)
	buf = append(buf, byte(len(d.PeerHashes)))
	for _, peer := range d.PeerHashes {
		buf = append(buf, peer[:]...)
	}
	return append(buf, d.From[:]...)
}

func ReadDatabaseSearchReply(buf []byte) (DatabaseSearchReply, error) {
	reply := DatabaseSearchReply{}
	if len(buf) < 65 {
		return reply, ERR_DATABASE_SEARCH_REPLY_NOT_ENOUGH_DATA
	}
	copy(reply.Key[:], buf[:32])
	num := int(buf[32])
	if len(buf) < 33+num*32+32 {
		return reply, ERR_DATABASE_SEARCH_REPLY_NOT_ENOUGH_DATA
	}
	offset := 33
	for i := 0; i < num; i++ {
		var peer data.Hash
		copy(peer[:], buf[offset:])
		reply.PeerHashes = append(reply.PeerHashes, peer)
		offset += 32
	}
	copy(reply.From[:], buf[offset:])
	return reply, nil
}
