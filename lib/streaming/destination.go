package streaming

import (
	"os"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
)

const destinationTunnelHops = 3

// Acceptor is the hook invoked with each new incoming stream.
type Acceptor func(*Stream)

// Destination is one local identity: its private keys, tunnel pool,
// current LeaseSet, and the streams multiplexed over it, indexed by
// receive stream ID. State is owned by the destinations loop.
type Destination struct {
	owner    *Destinations
	keys     *identity.PrivateKeys
	isPublic bool

	pool     tunnel.Pool
	leaseSet *lease_set.LeaseSet
	streams  map[uint32]*Stream
	acceptor Acceptor
}

func newDestination(owner *Destinations, keys *identity.PrivateKeys, isPublic bool) *Destination {
	d := &Destination{
		owner:    owner,
		keys:     keys,
		isPublic: isPublic,
		streams:  make(map[uint32]*Stream),
	}
	if owner.tunnels != nil {
		d.pool = owner.tunnels.CreateTunnelPool(destinationTunnelHops)
	}
	if isPublic {
		log.WithField("address", d.IdentHash().Base32()+".b32.i2p").Info("Local address created")
	}
	return d
}

// loadDestinationKeys reads a private-keys file, creating fresh keys and
// writing the file when it does not exist.
func loadDestinationKeys(fullPath string) (*identity.PrivateKeys, error) {
	if buf, err := os.ReadFile(fullPath); err == nil {
		keys := &identity.PrivateKeys{}
		if err := keys.FromBuffer(buf); err != nil {
			return nil, err
		}
		log.WithField("path", fullPath).Debug("Local keys loaded")
		return keys, nil
	}
	log.WithField("path", fullPath).Debug("Can't open keys file, creating new one")
	keys, err := identity.CreateRandomKeys()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(fullPath, keys.ToBuffer(), 0o600); err != nil {
		return nil, oops.Errorf("failed to save private keys: %w", err)
	}
	return keys, nil
}

func (d *Destination) Keys() *identity.PrivateKeys  { return d.keys }
func (d *Destination) Identity() *identity.Identity { return &d.keys.Identity }
func (d *Destination) IdentHash() data.Hash         { return d.keys.IdentHash() }
func (d *Destination) IsPublic() bool               { return d.isPublic }
func (d *Destination) TunnelPool() tunnel.Pool      { return d.pool }

// SetAcceptor installs the incoming-stream hook. Runs on the loop.
func (d *Destination) SetAcceptor(acceptor Acceptor) {
	d.owner.Post(func() { d.acceptor = acceptor })
}

// handleNextPacket dispatches by the sender's view of our stream ID:
// known stream, unknown stream (dropped), or zero for a new incoming
// stream handed to the acceptor.
func (d *Destination) handleNextPacket(packet *Packet) {
	sendStreamID := packet.SendStreamID()
	if sendStreamID != 0 {
		if stream, ok := d.streams[sendStreamID]; ok {
			stream.handleNextPacket(packet)
		} else {
			log.WithField("stream_id", sendStreamID).Debug("Unknown stream")
		}
		return
	}
	// new incoming stream
	incoming := d.createNewIncomingStream()
	incoming.handleNextPacket(packet)
	if d.acceptor != nil {
		d.acceptor(incoming)
	} else {
		log.Debug("Acceptor for incoming stream is not set")
		d.deleteStream(incoming)
	}
}

// CreateNewOutgoingStream opens a stream toward a remote LeaseSet.
// Safe to call from any goroutine.
func (d *Destination) CreateNewOutgoingStream(remote *lease_set.LeaseSet) *Stream {
	ch := make(chan *Stream, 1)
	d.owner.Post(func() {
		s := newStream(d, remote)
		d.streams[s.RecvStreamID()] = s
		ch <- s
	})
	return <-ch
}

func (d *Destination) createNewIncomingStream() *Stream {
	s := newStream(d, nil)
	d.streams[s.RecvStreamID()] = s
	return s
}

// DeleteStream tears a stream down and forgets it. Safe to call from any
// goroutine.
func (d *Destination) DeleteStream(stream *Stream) {
	d.owner.Post(func() { d.deleteStream(stream) })
}

func (d *Destination) deleteStream(stream *Stream) {
	if stream == nil {
		return
	}
	stream.closeInternal()
	delete(d.streams, stream.RecvStreamID())
}

// GetLeaseSet returns the current LeaseSet, building it from the pool on
// first use. Runs on the loop.
func (d *Destination) GetLeaseSet() *lease_set.LeaseSet {
	if d.pool == nil {
		return nil
	}
	if d.leaseSet == nil {
		d.updateLeaseSet()
	}
	return d.leaseSet
}

func (d *Destination) updateLeaseSet() {
	if d.pool == nil {
		return
	}
	d.leaseSet = lease_set.NewLeaseSet(d.keys, d.pool.CurrentLeases())
}

// SetLeaseSetUpdated rebuilds the LeaseSet from the current pool,
// notifies every stream so the next outbound batch bundles it, and
// publishes through NetDb when the destination is public.
func (d *Destination) SetLeaseSetUpdated() {
	d.owner.Post(func() {
		d.updateLeaseSet()
		for _, stream := range d.streams {
			stream.SetLeaseSetUpdated()
		}
		if d.isPublic && d.owner.netdb != nil && d.leaseSet != nil {
			d.owner.netdb.PublishLeaseSet(d.leaseSet)
		}
	})
}

// teardown closes every stream and releases the pool. Runs on the loop.
func (d *Destination) teardown() {
	for _, stream := range d.streams {
		stream.closeInternal()
	}
	d.streams = make(map[uint32]*Stream)
	if d.pool != nil && d.owner.tunnels != nil {
		d.owner.tunnels.DeleteTunnelPool(d.pool)
		d.pool = nil
	}
}
