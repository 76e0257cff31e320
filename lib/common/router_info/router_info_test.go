package router_info

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2pd/lib/common/identity"
)

func newTestRouterInfo(t *testing.T, ts uint64, caps byte) (*identity.PrivateKeys, *RouterInfo) {
	t.Helper()
	keys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	ri := NewRouterInfo(keys, ts, caps, []RouterAddress{
		{Cost: 10, TransportStyle: "NTCP2", Host: "192.0.2.1", Port: 9001},
	})
	return keys, ri
}

func TestReadRouterInfoRoundTrip(t *testing.T) {
	_, ri := newTestRouterInfo(t, 1000, CapFloodfill|CapHighBandwidth)

	parsed, n, err := ReadRouterInfo(ri.Bytes())
	require.NoError(t, err)
	assert.Equal(t, len(ri.Bytes()), n)
	assert.Equal(t, ri.IdentHash(), parsed.IdentHash())
	assert.Equal(t, uint64(1000), parsed.Timestamp())
	assert.True(t, parsed.IsFloodfill())
	assert.True(t, parsed.IsHighBandwidth())
	assert.False(t, parsed.UsesIntroducer())
	require.Len(t, parsed.RouterAddresses(), 1)
	assert.Equal(t, "NTCP2", parsed.RouterAddresses()[0].TransportStyle)
	assert.Equal(t, uint16(9001), parsed.RouterAddresses()[0].Port)
}

func TestReadRouterInfoRejectsTamperedBlob(t *testing.T) {
	_, ri := newTestRouterInfo(t, 1000, 0)
	buf := append([]byte(nil), ri.Bytes()...)
	buf[identity.IdentitySize+3] ^= 0xff // flip a timestamp byte

	_, _, err := ReadRouterInfo(buf)
	assert.ErrorIs(t, err, ERR_ROUTER_INFO_BAD_SIGNATURE)
}

func TestUpdateMonotonicTimestamp(t *testing.T) {
	keys, ri := newTestRouterInfo(t, 2000, 0)

	older := NewRouterInfo(keys, 1000, 0, nil)
	assert.ErrorIs(t, ri.Update(older.Bytes()), ERR_ROUTER_INFO_STALE)
	assert.Equal(t, uint64(2000), ri.Timestamp())

	same := NewRouterInfo(keys, 2000, 0, nil)
	assert.ErrorIs(t, ri.Update(same.Bytes()), ERR_ROUTER_INFO_STALE)

	newer := NewRouterInfo(keys, 3000, CapFloodfill, nil)
	require.NoError(t, ri.Update(newer.Bytes()))
	assert.Equal(t, uint64(3000), ri.Timestamp())
	assert.True(t, ri.IsFloodfill())
	assert.True(t, ri.IsUpdated())
}

func TestUpdateRejectsForeignIdentity(t *testing.T) {
	_, ri := newTestRouterInfo(t, 1000, 0)
	otherKeys, err := identity.CreateRandomKeys()
	require.NoError(t, err)
	other := NewRouterInfo(otherKeys, 5000, 0, nil)

	assert.ErrorIs(t, ri.Update(other.Bytes()), ERR_ROUTER_INFO_IDENTITY)
}

func TestSaveAndReadFile(t *testing.T) {
	_, ri := newTestRouterInfo(t, 1000, CapFloodfill)
	fpath := filepath.Join(t.TempDir(), "routerInfo-test.dat")
	require.NoError(t, ri.SaveToFile(fpath))

	loaded, err := ReadRouterInfoFromFile(fpath)
	require.NoError(t, err)
	assert.Equal(t, ri.IdentHash(), loaded.IdentHash())

	ri.DeleteBuffer()
	assert.Error(t, ri.SaveToFile(fpath))
}
