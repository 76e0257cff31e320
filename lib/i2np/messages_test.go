package i2np

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
)

func TestRouterInfoStoreRoundTrip(t *testing.T) {
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	ri := router_info.NewRouterInfo(keys, uint64(time.Now().UnixMilli()), router_info.CapFloodfill, nil)

	msg, err := NewRouterInfoStoreMessage(ri)
	require.NoError(t, err)
	assert.EqualValues(t, I2NP_MESSAGE_TYPE_DATABASE_STORE, msg.Type)

	store, err := ReadDatabaseStore(msg.Payload)
	require.NoError(t, err)
	assert.True(t, store.IsRouterInfo())
	assert.Equal(t, ri.IdentHash(), store.Key)

	blob, err := store.RouterInfoData()
	require.NoError(t, err)
	parsed, _, err := router_info.ReadRouterInfo(blob)
	require.NoError(t, err)
	assert.Equal(t, ri.IdentHash(), parsed.IdentHash())
}

func TestRouterInfoStoreRefusesOversizedDeclaration(t *testing.T) {
	store := DatabaseStore{
		StoreType: DATABASE_STORE_TYPE_ROUTER_INFO,
		Data:      append(data.IntegerBytes(MaxCompressedRouterInfoSize+1, 2), make([]byte, 64)...),
	}
	_, err := store.RouterInfoData()
	assert.Error(t, err)
}

func TestLeaseSetStoreCarriesReplyTunnel(t *testing.T) {
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	ls := lease_set.NewLeaseSet(keys, []lease_set.Lease{
		{TunnelGateway: data.HashData([]byte("gw")), TunnelID: 9, EndDate: uint64(time.Now().Add(time.Minute).UnixMilli())},
	})

	msg := NewLeaseSetStoreMessage(ls)
	store, err := ReadDatabaseStore(msg.Payload)
	require.NoError(t, err)
	assert.False(t, store.IsRouterInfo())

	parsed, err := lease_set.ReadLeaseSet(store.Data)
	require.NoError(t, err)
	assert.Equal(t, ls.IdentHash(), parsed.IdentHash())

	// reply token adds tunnel id and gateway
	store.ReplyToken = 7
	store.ReplyTunnelID = 42
	store.ReplyGateway = data.HashData([]byte("gateway"))
	reparsed, err := ReadDatabaseStore(store.MarshalBinary())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), reparsed.ReplyTunnelID)
	assert.Equal(t, store.ReplyGateway, reparsed.ReplyGateway)
}

func TestDatabaseLookupRoundTrip(t *testing.T) {
	key := data.HashData([]byte("target"))
	from := data.HashData([]byte("us"))
	excluded := []data.Hash{data.HashData([]byte("ff1")), data.HashData([]byte("ff2"))}

	msg := NewRouterInfoLookupMessage(key, from, 77, false, excluded)
	lookup, err := ReadDatabaseLookup(msg.Payload)
	require.NoError(t, err)

	assert.Equal(t, key, lookup.Key)
	assert.Equal(t, from, lookup.From)
	assert.EqualValues(t, DATABASE_LOOKUP_FLAG_TUNNEL, lookup.Flags&DATABASE_LOOKUP_FLAG_TUNNEL)
	assert.Equal(t, uint32(77), lookup.ReplyTunnelID)
	assert.Equal(t, excluded, lookup.ExcludedPeers)
	assert.False(t, lookup.IsExploratory())
}

func TestDatabaseLookupExploratoryMarker(t *testing.T) {
	msg := NewRouterInfoLookupMessage(data.HashData([]byte("k")), data.HashData([]byte("f")), 0, true, nil)
	lookup, err := ReadDatabaseLookup(msg.Payload)
	require.NoError(t, err)
	assert.True(t, lookup.IsExploratory())
	assert.Zero(t, lookup.Flags&DATABASE_LOOKUP_FLAG_TUNNEL)
}

func TestDatabaseLookupClampsExcludedPeers(t *testing.T) {
	lookup := DatabaseLookup{Key: data.HashData([]byte("k")), From: data.HashData([]byte("f"))}
	buf := lookup.MarshalBinary()
	// rewrite the size field beyond the quota with no hashes following
	buf[65] = 0x02
	buf[66] = 0x01 // 513

	parsed, err := ReadDatabaseLookup(buf)
	require.NoError(t, err)
	assert.Empty(t, parsed.ExcludedPeers)
}

func TestDatabaseSearchReplyRoundTrip(t *testing.T) {
	key := data.HashData([]byte("needle"))
	from := data.HashData([]byte("replier"))
	peers := []data.Hash{data.HashData([]byte("p1")), data.HashData([]byte("p2")), data.HashData([]byte("p3"))}

	msg := NewDatabaseSearchReplyMessage(key, from, peers)
	reply, err := ReadDatabaseSearchReply(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, key, reply.Key)
	assert.Equal(t, from, reply.From)
	assert.Equal(t, peers, reply.PeerHashes)

	_, err = ReadDatabaseSearchReply(msg.Payload[:40])
	assert.ErrorIs(t, err, ERR_DATABASE_SEARCH_REPLY_NOT_ENOUGH_DATA)
}

func TestDataMessageRoundTrip(t *testing.T) {
	payload := []byte("streaming bytes through the garlic")
	msg, err := NewDataMessage(PROTOCOL_TYPE_STREAMING, 0, 0, payload)
	require.NoError(t, err)

	protocol, unwrapped, err := ReadDataMessagePayload(msg.Payload, 4096)
	require.NoError(t, err)
	assert.EqualValues(t, PROTOCOL_TYPE_STREAMING, protocol)
	assert.Equal(t, payload, unwrapped)
}
