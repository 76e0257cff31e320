package tunnel

import (
	"sync"
	"time"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
)

// Test fakes shared by the netdb and streaming tests. They live here so
// every consumer of the pool contract exercises the same shapes.

// FakeInboundTunnel is a reply path with fixed gateway coordinates.
type FakeInboundTunnel struct {
	Gateway data.Hash
	ID      uint32
}

func (f *FakeInboundTunnel) NextIdentHash() data.Hash { return f.Gateway }
func (f *FakeInboundTunnel) NextTunnelID() uint32     { return f.ID }

// FakeOutboundTunnel records every block handed to it.
type FakeOutboundTunnel struct {
	mutex sync.Mutex
	Sent  [][]MessageBlock
}

func (f *FakeOutboundTunnel) SendTunnelDataMsg(blocks []MessageBlock) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.Sent = append(f.Sent, blocks)
	return nil
}

// SentBlocks flattens everything sent so far.
func (f *FakeOutboundTunnel) SentBlocks() []MessageBlock {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var all []MessageBlock
	for _, batch := range f.Sent {
		all = append(all, batch...)
	}
	return all
}

// FakePool hands out a fixed set of tunnels round-robin.
type FakePool struct {
	mutex    sync.Mutex
	Outbound []*FakeOutboundTunnel
	Inbound  []*FakeInboundTunnel
	next     int
}

func (f *FakePool) NextOutboundTunnel(prev OutboundTunnel) OutboundTunnel {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.Outbound) == 0 {
		return nil
	}
	tun := f.Outbound[f.next%len(f.Outbound)]
	f.next++
	if tun == prev && len(f.Outbound) > 1 {
		tun = f.Outbound[f.next%len(f.Outbound)]
		f.next++
	}
	return tun
}

func (f *FakePool) NextInboundTunnel() InboundTunnel {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.Inbound) == 0 {
		return nil
	}
	return f.Inbound[0]
}

func (f *FakePool) CurrentLeases() []lease_set.Lease {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	leases := make([]lease_set.Lease, 0, len(f.Inbound))
	for _, in := range f.Inbound {
		leases = append(leases, lease_set.Lease{
			TunnelGateway: in.Gateway,
			TunnelID:      in.ID,
			EndDate:       uint64(time.Now().Add(10 * time.Minute).UnixMilli()),
		})
	}
	return leases
}

// FakeManager owns one exploratory FakePool and mints pools via NewPool
// when configured (empty pools otherwise).
type FakeManager struct {
	Exploratory *FakePool
	NewPool     func(numHops int) *FakePool
}

func (f *FakeManager) CreateTunnelPool(numHops int) Pool {
	if f.NewPool != nil {
		return f.NewPool(numHops)
	}
	return &FakePool{}
}
func (f *FakeManager) DeleteTunnelPool(pool Pool)        {}
func (f *FakeManager) ExploratoryPool() Pool {
	if f.Exploratory == nil {
		return nil
	}
	return f.Exploratory
}
