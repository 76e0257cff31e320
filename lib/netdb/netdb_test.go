package netdb

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/transport"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
)

type fakeTransport struct {
	mutex sync.Mutex
	sent  []sentMessage
}

type sentMessage struct {
	to  data.Hash
	msg *i2np.Message
}

func (f *fakeTransport) SendMessage(to data.Hash, msg *i2np.Message) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestNetDb(t *testing.T, tp *fakeTransport, tunnels tunnel.Manager) *NetDb {
	t.Helper()
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	local := router_info.NewRouterInfo(keys, uint64(time.Now().UnixMilli()), 0, nil)
	var sender transport.Transport
	if tp != nil {
		sender = tp
	}
	db := NewNetDb(t.TempDir(), sender, tunnels, nil, nil, nil, local)
	require.NoError(t, db.Ensure())
	return db
}

func newRouterBlob(t *testing.T, ts uint64, caps byte) (*identity.PrivateKeys, []byte) {
	t.Helper()
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	ri := router_info.NewRouterInfo(keys, ts, caps, nil)
	return keys, ri.Bytes()
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

func TestAddRouterInfoMonotonicTimestamp(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	keys, blob := newRouterBlob(t, nowMillis()-3000, 0)
	ri, err := db.AddRouterInfo(blob)
	require.NoError(t, err)
	ident := ri.IdentHash()

	older := router_info.NewRouterInfo(keys, nowMillis()-60000, 0, nil)
	stored, err := db.AddRouterInfo(older.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ri.Timestamp(), stored.Timestamp(), "stale update must not lower the timestamp")

	newer := router_info.NewRouterInfo(keys, nowMillis()-1000, 0, nil)
	stored, err = db.AddRouterInfo(newer.Bytes())
	require.NoError(t, err)
	assert.Equal(t, newer.Timestamp(), stored.Timestamp())
	assert.Same(t, db.FindRouter(ident), stored)
}

func TestAddRouterInfoRejectsFutureTimestamp(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	_, blob := newRouterBlob(t, uint64(time.Now().Add(time.Hour).UnixMilli()), 0)
	_, err := db.AddRouterInfo(blob)
	assert.Error(t, err)
}

func TestFloodfillInvariant(t *testing.T) {
	db := newTestNetDb(t, nil, nil)

	keys, blob := newRouterBlob(t, nowMillis()-5000, router_info.CapFloodfill)
	ri, err := db.AddRouterInfo(blob)
	require.NoError(t, err)
	assert.NotNil(t, db.GetClosestFloodfill(ri.IdentHash(), nil))

	// flag dropped on update removes it from the floodfill list
	plain := router_info.NewRouterInfo(keys, nowMillis()-1000, 0, nil)
	_, err = db.AddRouterInfo(plain.Bytes())
	require.NoError(t, err)
	assert.Nil(t, db.GetClosestFloodfill(ri.IdentHash(), nil))

	// flag re-added restores it
	ff := router_info.NewRouterInfo(keys, nowMillis()-500, router_info.CapFloodfill, nil)
	_, err = db.AddRouterInfo(ff.Bytes())
	require.NoError(t, err)
	assert.NotNil(t, db.GetClosestFloodfill(ri.IdentHash(), nil))
}

func TestGetClosestFloodfillRespectsExclusionAndMetric(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	var hashes []data.Hash
	for i := 0; i < 3; i++ {
		_, blob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
		ri, err := db.AddRouterInfo(blob)
		require.NoError(t, err)
		hashes = append(hashes, ri.IdentHash())
	}
	target := data.HashData([]byte("target"))

	best := db.GetClosestFloodfill(target, nil)
	require.NotNil(t, best)

	// exhaustively verify the winner minimizes the routing-key metric
	key := data.CreateRoutingKey(target, time.Now())
	for _, h := range hashes {
		assert.False(t, data.Distance(key, h).Less(data.Distance(key, best.IdentHash())))
	}

	second := db.GetClosestFloodfill(target, map[data.Hash]bool{best.IdentHash(): true})
	require.NotNil(t, second)
	assert.NotEqual(t, best.IdentHash(), second.IdentHash())

	none := db.GetClosestFloodfill(target, map[data.Hash]bool{
		hashes[0]: true, hashes[1]: true, hashes[2]: true,
	})
	assert.Nil(t, none)
}

func TestGetRandomRouterFilter(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	_, blobHidden := newRouterBlob(t, nowMillis(), router_info.CapHidden)
	_, blobPlain := newRouterBlob(t, nowMillis(), 0)
	_, err := db.AddRouterInfo(blobHidden)
	require.NoError(t, err)
	plain, err := db.AddRouterInfo(blobPlain)
	require.NoError(t, err)

	got := db.GetRandomRouter(func(ri *router_info.RouterInfo) bool { return !ri.IsHidden() })
	require.NotNil(t, got)
	assert.Equal(t, plain.IdentHash(), got.IdentHash())

	got = db.GetRandomRouter(func(ri *router_info.RouterInfo) bool { return false })
	assert.Nil(t, got)
}

func TestAddLeaseSetRejectsUnsolicited(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	ls := lease_set.NewLeaseSet(keys, []lease_set.Lease{
		{TunnelGateway: data.HashData([]byte("gw")), TunnelID: 1, EndDate: nowMillis() + 60000},
	})

	err = db.AddLeaseSet(ls.IdentHash(), ls.Bytes(), nil)
	assert.Error(t, err, "unsolicited LeaseSet store must be rejected")
	assert.Nil(t, db.FindLeaseSet(ls.IdentHash()))

	from := &tunnel.FakeInboundTunnel{Gateway: data.HashData([]byte("in")), ID: 4}
	require.NoError(t, db.AddLeaseSet(ls.IdentHash(), ls.Bytes(), from))
	assert.NotNil(t, db.FindLeaseSet(ls.IdentHash()))
}

func TestManageLeaseSetsDropsExpired(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	from := &tunnel.FakeInboundTunnel{}

	expired := lease_set.NewLeaseSet(keys, []lease_set.Lease{
		{TunnelGateway: data.HashData([]byte("gw")), TunnelID: 1, EndDate: nowMillis() - 1000},
	})
	require.NoError(t, db.AddLeaseSet(expired.IdentHash(), expired.Bytes(), from))

	db.ManageLeaseSets()
	assert.Nil(t, db.FindLeaseSet(expired.IdentHash()))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	_, blob := newRouterBlob(t, nowMillis()-1000, router_info.CapFloodfill)
	ri, err := db.AddRouterInfo(blob)
	require.NoError(t, err)
	ident := ri.IdentHash()

	db.SaveUpdated()
	assert.FileExists(t, db.SkiplistFile(ident))
	assert.False(t, ri.IsUpdated())

	reloaded := NewNetDb(db.Path(), nil, nil, nil, nil, nil, nil)
	require.NoError(t, reloaded.Load())
	require.NotNil(t, reloaded.FindRouter(ident))
	assert.Nil(t, reloaded.FindRouter(ident).Bytes(), "loaded records keep only parsed fields")
	assert.NotNil(t, reloaded.GetClosestFloodfill(ident, nil))
	assert.Equal(t, 1, reloaded.CachedSize())
}

func TestSaveUpdatedDeletesUnreachable(t *testing.T) {
	db := newTestNetDb(t, nil, nil)
	_, blob := newRouterBlob(t, nowMillis()-1000, router_info.CapFloodfill)
	ri, err := db.AddRouterInfo(blob)
	require.NoError(t, err)
	ident := ri.IdentHash()
	db.SaveUpdated()
	require.FileExists(t, db.SkiplistFile(ident))

	db.SetUnreachable(ident, true)
	db.SaveUpdated()

	assert.Nil(t, db.FindRouter(ident))
	assert.Nil(t, db.GetClosestFloodfill(ident, nil))
	_, statErr := os.Stat(db.SkiplistFile(ident))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRequestDestinationFailsWithoutFloodfill(t *testing.T) {
	db := newTestNetDb(t, &fakeTransport{}, nil)
	var completed bool
	var result *router_info.RouterInfo
	db.RequestDestination(data.HashData([]byte("missing")), func(ri *router_info.RouterInfo) {
		completed = true
		result = ri
	})
	assert.True(t, completed)
	assert.Nil(t, result)
}

func TestRequestDestinationCompletedByStore(t *testing.T) {
	tp := &fakeTransport{}
	db := newTestNetDb(t, tp, nil)

	_, ffBlob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err := db.AddRouterInfo(ffBlob)
	require.NoError(t, err)
	_, ff2Blob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err = db.AddRouterInfo(ff2Blob)
	require.NoError(t, err)

	_, wantedBlob := newRouterBlob(t, nowMillis(), 0)
	wanted, _, err := router_info.ReadRouterInfo(wantedBlob)
	require.NoError(t, err)

	var got *router_info.RouterInfo
	db.RequestDestination(wanted.IdentHash(), func(ri *router_info.RouterInfo) { got = ri })

	// the lookup went to a floodfill
	msgs := tp.messages()
	require.Len(t, msgs, 1)
	assert.EqualValues(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_LOOKUP, msgs[0].msg.Type)

	// a second caller joins the same request and queries the next floodfill
	var second *router_info.RouterInfo
	db.RequestDestination(wanted.IdentHash(), func(ri *router_info.RouterInfo) { second = ri })
	require.Len(t, tp.messages(), 2)

	// the arriving store completes both callbacks
	_, err = db.AddRouterInfo(wantedBlob)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wanted.IdentHash(), got.IdentHash())
	require.NotNil(t, second)
	assert.Equal(t, wanted.IdentHash(), second.IdentHash())
}

func TestServeLookupPriorityOrder(t *testing.T) {
	tp := &fakeTransport{}
	db := newTestNetDb(t, tp, nil)

	_, blob := newRouterBlob(t, nowMillis(), 0)
	stored, err := db.AddRouterInfo(blob)
	require.NoError(t, err)
	requester := data.HashData([]byte("requester"))

	// known RouterInfo is served as a DatabaseStore
	lookup := i2np.NewRouterInfoLookupMessage(stored.IdentHash(), requester, 0, false, nil)
	db.handleDatabaseLookup(lookup.Payload)
	msgs := tp.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, requester, msgs[0].to)
	assert.EqualValues(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_STORE, msgs[0].msg.Type)

	// unknown key yields a search reply naming the closest floodfill
	_, ffBlob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	ff, err := db.AddRouterInfo(ffBlob)
	require.NoError(t, err)

	lookup = i2np.NewRouterInfoLookupMessage(data.HashData([]byte("unknown")), requester, 0, false, nil)
	db.handleDatabaseLookup(lookup.Payload)
	msgs = tp.messages()
	require.Len(t, msgs, 2)
	assert.EqualValues(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY, msgs[1].msg.Type)
	reply, err := i2np.ReadDatabaseSearchReply(msgs[1].msg.Payload)
	require.NoError(t, err)
	require.Len(t, reply.PeerHashes, 1)
	assert.Equal(t, ff.IdentHash(), reply.PeerHashes[0])

	// excluding that floodfill leaves an empty reply
	lookup = i2np.NewRouterInfoLookupMessage(data.HashData([]byte("unknown")), requester, 0, false, []data.Hash{ff.IdentHash()})
	db.handleDatabaseLookup(lookup.Payload)
	msgs = tp.messages()
	require.Len(t, msgs, 3)
	reply, err = i2np.ReadDatabaseSearchReply(msgs[2].msg.Payload)
	require.NoError(t, err)
	assert.Empty(t, reply.PeerHashes)
}

func TestServeLookupThroughReplyTunnel(t *testing.T) {
	tp := &fakeTransport{}
	outbound := &tunnel.FakeOutboundTunnel{}
	manager := &tunnel.FakeManager{Exploratory: &tunnel.FakePool{
		Outbound: []*tunnel.FakeOutboundTunnel{outbound},
		Inbound:  []*tunnel.FakeInboundTunnel{{Gateway: data.HashData([]byte("in")), ID: 11}},
	}}
	db := newTestNetDb(t, tp, manager)

	_, blob := newRouterBlob(t, nowMillis(), 0)
	stored, err := db.AddRouterInfo(blob)
	require.NoError(t, err)

	gateway := data.HashData([]byte("reply-gw"))
	lookup := i2np.NewRouterInfoLookupMessage(stored.IdentHash(), gateway, 33, false, nil)
	db.handleDatabaseLookup(lookup.Payload)

	blocks := outbound.SentBlocks()
	require.Len(t, blocks, 1)
	assert.EqualValues(t, tunnel.DeliveryTypeTunnel, blocks[0].DeliveryType)
	assert.Equal(t, gateway, blocks[0].To)
	assert.Equal(t, uint32(33), blocks[0].TunnelID)
	assert.Empty(t, tp.messages())
}

func TestSearchReplyTriesNextFloodfillAndChasesPeers(t *testing.T) {
	tp := &fakeTransport{}
	outbound := &tunnel.FakeOutboundTunnel{}
	manager := &tunnel.FakeManager{Exploratory: &tunnel.FakePool{
		Outbound: []*tunnel.FakeOutboundTunnel{outbound},
		Inbound:  []*tunnel.FakeInboundTunnel{{Gateway: data.HashData([]byte("in")), ID: 1}},
	}}
	db := newTestNetDb(t, tp, manager)

	_, ff1Blob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err := db.AddRouterInfo(ff1Blob)
	require.NoError(t, err)
	_, ff2Blob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err = db.AddRouterInfo(ff2Blob)
	require.NoError(t, err)

	target := data.HashData([]byte("wanted"))
	db.RequestDestination(target, nil)

	// the reply names an unknown peer; the request is kept alive on the
	// next floodfill and the peer is chased with a direct request
	unknownPeer := data.HashData([]byte("fresh-peer"))
	reply := i2np.NewDatabaseSearchReplyMessage(target, data.HashData([]byte("ff")), []data.Hash{unknownPeer})
	db.handleDatabaseSearchReply(reply.Payload)

	db.reqMutex.Lock()
	_, stillOpen := db.requested[target]
	db.reqMutex.Unlock()
	assert.True(t, stillOpen, "non-exploratory request under 7 tries stays alive")

	blocks := outbound.SentBlocks()
	require.Len(t, blocks, 2, "store-about-us plus lookup bundled through the tunnel")
	assert.EqualValues(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_STORE, blocks[0].Message.Type)
	assert.EqualValues(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_LOOKUP, blocks[1].Message.Type)
}

func TestSearchReplyWithNoPeersFailsRequest(t *testing.T) {
	tp := &fakeTransport{}
	db := newTestNetDb(t, tp, nil)
	_, ffBlob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err := db.AddRouterInfo(ffBlob)
	require.NoError(t, err)

	target := data.HashData([]byte("wanted"))
	var failed bool
	db.RequestDestination(target, func(ri *router_info.RouterInfo) { failed = ri == nil })

	reply := i2np.NewDatabaseSearchReplyMessage(target, data.HashData([]byte("ff")), nil)
	db.handleDatabaseSearchReply(reply.Payload)
	assert.True(t, failed)

	db.reqMutex.Lock()
	_, stillOpen := db.requested[target]
	db.reqMutex.Unlock()
	assert.False(t, stillOpen)
}

func TestExploreBundlesStoreAndLookup(t *testing.T) {
	outbound := &tunnel.FakeOutboundTunnel{}
	manager := &tunnel.FakeManager{Exploratory: &tunnel.FakePool{
		Outbound: []*tunnel.FakeOutboundTunnel{outbound},
		Inbound:  []*tunnel.FakeInboundTunnel{{Gateway: data.HashData([]byte("in")), ID: 5}},
	}}
	db := newTestNetDb(t, &fakeTransport{}, manager)
	_, ffBlob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err := db.AddRouterInfo(ffBlob)
	require.NoError(t, err)

	before := db.Size()
	db.Explore(3)
	assert.GreaterOrEqual(t, db.Size(), before, "exploration never shrinks the database")

	// one floodfill means one store+lookup pair regardless of target count
	blocks := outbound.SentBlocks()
	require.Len(t, blocks, 2)
	lookup, err := i2np.ReadDatabaseLookup(blocks[1].Message.Payload)
	require.NoError(t, err)
	assert.True(t, lookup.IsExploratory())
}

func TestManageRequestsExpiresAndRetires(t *testing.T) {
	db := newTestNetDb(t, &fakeTransport{}, nil)
	_, ffBlob := newRouterBlob(t, nowMillis(), router_info.CapFloodfill)
	_, err := db.AddRouterInfo(ffBlob)
	require.NoError(t, err)

	// exploratory requests are retired on each sweep
	explore := db.createRequestedDestination(data.HashData([]byte("explore")), true)
	db.ManageRequests()
	db.reqMutex.Lock()
	_, open := db.requested[explore.Destination()]
	db.reqMutex.Unlock()
	assert.False(t, open)

	// a stale non-exploratory request without tunnels fails once it
	// passes the retry threshold
	target := data.HashData([]byte("stale"))
	var failed bool
	db.RequestDestination(target, func(ri *router_info.RouterInfo) { failed = ri == nil })
	db.reqMutex.Lock()
	db.requested[target].created = time.Now().Add(-10 * time.Second)
	db.reqMutex.Unlock()

	db.ManageRequests()
	assert.True(t, failed)
}
