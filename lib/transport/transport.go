// Package transport declares the contract the core uses to hand messages
// to the low-level transports (NTCP2/SSU). The framing itself lives
// outside the core.
package transport

import (
	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/i2np"
)

// Transport delivers an I2NP message directly to a router, outside any
// tunnel. This is the raw outward path when tunnels are unavailable.
type Transport interface {
	SendMessage(to data.Hash, msg *i2np.Message) error
}
