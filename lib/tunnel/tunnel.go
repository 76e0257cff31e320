// Package tunnel declares the contracts of the tunnel pools the core
// borrows. Tunnel construction and hop-by-hop encryption are out of
// scope; the core only selects tunnels and hands them message blocks.
package tunnel

import (
	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/i2np"
)

// Delivery types for tunnel message blocks.
const (
	DeliveryTypeLocal  = 0
	DeliveryTypeTunnel = 1
	DeliveryTypeRouter = 2
)

// MessageBlock is one deliverable handed to an outbound tunnel: the
// message plus where the endpoint should forward it.
type MessageBlock struct {
	DeliveryType byte
	To           data.Hash
	TunnelID     uint32
	Message      *i2np.Message
}

// InboundTunnel is a reply path terminating at this router.
type InboundTunnel interface {
	// NextIdentHash is the gateway router peers send into.
	NextIdentHash() data.Hash
	// NextTunnelID is the gateway's tunnel ID.
	NextTunnelID() uint32
}

// OutboundTunnel carries message blocks away from this router.
type OutboundTunnel interface {
	SendTunnelDataMsg(blocks []MessageBlock) error
}

// Pool is a collection of usable tunnels for one owner.
type Pool interface {
	// NextOutboundTunnel returns a tunnel, round-robin, avoiding prev
	// when another is available. Returns nil if the pool is empty.
	NextOutboundTunnel(prev OutboundTunnel) OutboundTunnel
	// NextInboundTunnel returns a reply path, or nil.
	NextInboundTunnel() InboundTunnel
	// CurrentLeases describes the pool's inbound tunnels as leases a
	// destination can publish.
	CurrentLeases() []lease_set.Lease
}

// Manager creates and reclaims pools and owns the shared exploratory
// pool used by NetDb traffic.
type Manager interface {
	CreateTunnelPool(numHops int) Pool
	DeleteTunnelPool(pool Pool)
	ExploratoryPool() Pool
}
