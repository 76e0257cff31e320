package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2pd/lib/common/router_info"
)

func TestContextPersistsKeysAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := NewContext(dir, router_info.CapHighBandwidth, nil)
	require.NoError(t, err)
	assert.True(t, first.RouterInfo().IsHighBandwidth())

	second, err := NewContext(dir, router_info.CapHighBandwidth, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Keys().IdentHash(), second.Keys().IdentHash())
}

func TestUpdateTimestampAdvances(t *testing.T) {
	ctx, err := NewContext(t.TempDir(), 0, nil)
	require.NoError(t, err)

	before := ctx.RouterInfo().Timestamp()
	ctx.UpdateTimestamp()
	assert.GreaterOrEqual(t, ctx.RouterInfo().Timestamp(), before)
	assert.Equal(t, ctx.Keys().IdentHash(), ctx.RouterInfo().IdentHash())
}
