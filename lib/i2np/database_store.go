package i2np

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
)

/*
I2P I2NP DatabaseStore
https://geti2p.net/spec/i2np

with reply token:
+----+----+----+----+----+----+----+----+
| SHA256 Hash as key                    |
+                                       +
|                                       |
+                                       +
|                                       |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
|type| reply token       | reply_tunnelId
+----+----+----+----+----+----+----+----+
     | SHA256 of the gateway RouterInfo |
+----+                                  +
|                                       |
+                                       +
|                                       |
+                                       +
|                                       |
+    +----+----+----+----+----+----+----+
|    | data ...
+----+-//

with reply token == 0:
+----+----+----+----+----+----+----+----+
| SHA256 Hash as key                    |
+                                       +
|                                       |
+                                       +
|                                       |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
|type|         0         | data ...
+----+----+----+----+----+-//

type ::
     1 byte
     bit 0: 0 RouterInfo, 1 LeaseSet

data ::
     If type == 0, data is a 2-byte Integer specifying the number of bytes
                   that follow, followed by a gzip-compressed RouterInfo.
     If type == 1, data is an uncompressed LeaseSet.
*/

// DatabaseStore store types.
const (
	DATABASE_STORE_TYPE_ROUTER_INFO = 0
	DATABASE_STORE_TYPE_LEASE_SET   = 1
)

// MaxCompressedRouterInfoSize caps the declared length of a gzipped
// RouterInfo inside a store; larger declarations are refused.
const MaxCompressedRouterInfoSize = 2048

var ERR_DATABASE_STORE_NOT_ENOUGH_DATA = oops.Errorf("not enough i2np database store data")

type DatabaseStore struct {
	Key           data.Hash
	StoreType     byte
	ReplyToken    uint32
	ReplyTunnelID uint32
	ReplyGateway  data.Hash
	Data          []byte
}

// ReadDatabaseStore parses a DatabaseStore payload.
func ReadDatabaseStore(buf []byte) (DatabaseStore, error) {
	store := DatabaseStore{}
	if len(buf) < 37 {
		return store, ERR_DATABASE_STORE_NOT_ENOUGH_DATA
	}
	copy(store.Key[:], buf[:32])
	store.StoreType = buf[32]
	store.ReplyToken = binary.BigEndian.Uint32(buf[33:])
	offset := 37
	if store.ReplyToken != 0 {
		if len(buf) < offset+36 {
			return store, ERR_DATABASE_STORE_NOT_ENOUGH_DATA
		}
		store.ReplyTunnelID = binary.BigEndian.Uint32(buf[offset:])
		copy(store.ReplyGateway[:], buf[offset+4:offset+36])
		offset += 36
	}
	store.Data = buf[offset:]
	return store, nil
}

// MarshalBinary serializes the DatabaseStore payload.
func (d *DatabaseStore) MarshalBinary() []byte {
	size := 37 + len(d.Data)
	if d.ReplyToken != 0 {
		size += 36
	}
	buf := make([]byte, 0, size)
	buf = append(buf, d.Key[:]...)
	buf = append(buf, d.StoreType)
	buf = append(buf, data.IntegerBytes(uint64(d.ReplyToken), 4)...)
	if d.ReplyToken != 0 {
		buf = append(buf, data.IntegerBytes(uint64(d.ReplyTunnelID), 4)...)
		buf = append(buf, d.ReplyGateway[:]...)
	}
	return append(buf, d.Data...)
}

// IsRouterInfo reports whether the store carries a RouterInfo.
func (d *DatabaseStore) IsRouterInfo() bool {
	return d.StoreType&0x01 == DATABASE_STORE_TYPE_ROUTER_INFO
}

// RouterInfoData extracts and decompresses the RouterInfo blob, enforcing
// the declared-length cap.
func (d *DatabaseStore) RouterInfoData() ([]byte, error) {
	if len(d.Data) < 2 {
		return nil, ERR_DATABASE_STORE_NOT_ENOUGH_DATA
	}
	size := int(binary.BigEndian.Uint16(d.Data))
	if size > MaxCompressedRouterInfoSize {
		return nil, oops.Errorf("invalid RouterInfo length %d", size)
	}
	if len(d.Data) < 2+size {
		return nil, ERR_DATABASE_STORE_NOT_ENOUGH_DATA
	}
	zr, err := gzip.NewReader(bytes.NewReader(d.Data[2 : 2+size]))
	if err != nil {
		return nil, oops.Errorf("failed to decompress RouterInfo: %w", err)
	}
	defer zr.Close()
	uncompressed, err := io.ReadAll(io.LimitReader(zr, MaxCompressedRouterInfoSize*4))
	if err != nil {
		return nil, oops.Errorf("failed to decompress RouterInfo: %w", err)
	}
	return uncompressed, nil
}

// NewRouterInfoStoreMessage builds the DatabaseStore message announcing a
// RouterInfo: 2-byte length followed by the gzipped signed blob.
func NewRouterInfoStoreMessage(ri *router_info.RouterInfo) (*Message, error) {
	blob := ri.Bytes()
	if blob == nil {
		return nil, oops.Errorf("router info buffer not loaded")
	}
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(blob); err != nil {
		return nil, oops.Errorf("failed to compress RouterInfo: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, oops.Errorf("failed to compress RouterInfo: %w", err)
	}
	payload := make([]byte, 0, 2+compressed.Len())
	payload = append(payload, data.IntegerBytes(uint64(compressed.Len()), 2)...)
	payload = append(payload, compressed.Bytes()...)
	store := DatabaseStore{
		Key:       ri.IdentHash(),
		StoreType: DATABASE_STORE_TYPE_ROUTER_INFO,
		Data:      payload,
	}
	return NewMessage(I2NP_MESSAGE_TYPE_DATABASE_STORE, store.MarshalBinary()), nil
}

// NewLeaseSetStoreMessage builds the DatabaseStore message carrying an
// uncompressed LeaseSet.
func NewLeaseSetStoreMessage(ls *lease_set.LeaseSet) *Message {
	store := DatabaseStore{
		Key:       ls.IdentHash(),
		StoreType: DATABASE_STORE_TYPE_LEASE_SET,
		Data:      ls.Bytes(),
	}
	return NewMessage(I2NP_MESSAGE_TYPE_DATABASE_STORE, store.MarshalBinary())
}
