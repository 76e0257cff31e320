// Package router holds the local router identity: persistent router
// keys and the signed local RouterInfo.
package router

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

const routerKeysFile = "router.keys.dat"

// Context is the local router identity: its private keys and the
// RouterInfo other routers learn about us from.
type Context struct {
	keys       *identity.PrivateKeys
	routerInfo *router_info.RouterInfo
}

// NewContext loads the router keys from the data directory (creating
// them on first run) and builds a fresh local RouterInfo.
func NewContext(dataDir string, caps byte, addresses []router_info.RouterAddress) (*Context, error) {
	keysPath := filepath.Join(dataDir, routerKeysFile)
	keys := &identity.PrivateKeys{}
	if buf, err := os.ReadFile(keysPath); err == nil {
		if err := keys.FromBuffer(buf); err != nil {
			return nil, err
		}
		log.WithField("ident", keys.IdentHash().Base64()).Debug("Router keys loaded")
	} else {
		fresh, err := identity.CreateRandomKeys()
		if err != nil {
			return nil, err
		}
		keys = fresh
		if err := os.WriteFile(keysPath, keys.ToBuffer(), 0o600); err != nil {
			return nil, err
		}
		log.WithField("ident", keys.IdentHash().Base64()).Info("New router keys created")
	}

	ri := router_info.NewRouterInfo(keys, uint64(time.Now().UnixMilli()), caps, addresses)
	return &Context{keys: keys, routerInfo: ri}, nil
}

func (c *Context) Keys() *identity.PrivateKeys       { return c.keys }
func (c *Context) RouterInfo() *router_info.RouterInfo { return c.routerInfo }

// UpdateTimestamp re-signs our RouterInfo with a current timestamp so
// republication stays fresh.
func (c *Context) UpdateTimestamp() {
	c.routerInfo = router_info.NewRouterInfo(c.keys, uint64(time.Now().UnixMilli()),
		c.routerInfo.Caps(), c.routerInfo.RouterAddresses())
}
