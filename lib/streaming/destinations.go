package streaming

import (
	"path/filepath"
	"sync"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/garlic"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/netdb"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

const streamingProtocol = i2np.PROTOCOL_TYPE_STREAMING

func i2npReadData(payload []byte) (byte, []byte, error) {
	return i2np.ReadDataMessagePayload(payload, MaxPacketSize)
}

// Destinations hosts every local destination on one cooperative loop.
// Operations that touch stream or destination state are posted as tasks;
// no task may block or run long.
type Destinations struct {
	netdb   *netdb.NetDb
	tunnels tunnel.Manager
	garlic  garlic.Routing
	dataDir string

	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// owned by the loop
	destinations map[data.Hash]*Destination
	shared       *Destination
}

func NewDestinations(db *netdb.NetDb, tunnels tunnel.Manager, routing garlic.Routing, dataDir string) *Destinations {
	return &Destinations{
		netdb:        db,
		tunnels:      tunnels,
		garlic:       routing,
		dataDir:      dataDir,
		tasks:        make(chan func(), 1024),
		quit:         make(chan struct{}),
		destinations: make(map[data.Hash]*Destination),
	}
}

// Start launches the loop and creates the shared non-public destination
// client tunnels fall back to.
func (ds *Destinations) Start() error {
	var err error
	ds.startOnce.Do(func() {
		ds.wg.Add(1)
		go ds.run()
		var keys *identity.PrivateKeys
		keys, err = identity.CreateRandomKeys()
		if err != nil {
			return
		}
		done := make(chan struct{})
		ds.Post(func() {
			ds.shared = newDestination(ds, keys, false)
			ds.destinations[ds.shared.IdentHash()] = ds.shared
			close(done)
		})
		<-done
	})
	return err
}

// Stop tears down every destination and terminates the loop.
func (ds *Destinations) Stop() {
	ds.stopOnce.Do(func() {
		done := make(chan struct{})
		ds.Post(func() {
			for _, dest := range ds.destinations {
				dest.teardown()
			}
			ds.destinations = make(map[data.Hash]*Destination)
			ds.shared = nil
			close(done)
		})
		<-done
		close(ds.quit)
		ds.wg.Wait()
	})
}

// Post schedules a task on the loop. Tasks posted after Stop are
// dropped.
func (ds *Destinations) Post(task func()) {
	select {
	case <-ds.quit:
	case ds.tasks <- task:
	}
}

func (ds *Destinations) run() {
	defer ds.wg.Done()
	for {
		select {
		case task := <-ds.tasks:
			task()
		case <-ds.quit:
			// drain what was posted before the quit
			for {
				select {
				case task := <-ds.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// SharedLocalDestination is the non-public destination shared by client
// tunnels without their own keys.
func (ds *Destinations) SharedLocalDestination() *Destination {
	ch := make(chan *Destination, 1)
	ds.Post(func() { ch <- ds.shared })
	return <-ch
}

// CreateNewLocalDestination registers a destination for the given keys.
// Returns nil when the identity already exists. Nil keys generate fresh
// ones.
func (ds *Destinations) CreateNewLocalDestination(keys *identity.PrivateKeys, isPublic bool) *Destination {
	if keys == nil {
		var err error
		keys, err = identity.CreateRandomKeys()
		if err != nil {
			log.WithError(err).Error("Failed to generate destination keys")
			return nil
		}
	}
	ch := make(chan *Destination, 1)
	ds.Post(func() {
		if _, exists := ds.destinations[keys.IdentHash()]; exists {
			log.WithField("ident", keys.IdentHash().Base32()).Warn("Local destination exists")
			ch <- nil
			return
		}
		dest := newDestination(ds, keys, isPublic)
		ds.destinations[dest.IdentHash()] = dest
		ch <- dest
	})
	return <-ch
}

// LoadLocalDestination loads (or creates) a <filename>.dat private-keys
// file under the data dir and registers the destination.
func (ds *Destinations) LoadLocalDestination(filename string, isPublic bool) (*Destination, error) {
	keys, err := loadDestinationKeys(filepath.Join(ds.dataDir, filename))
	if err != nil {
		return nil, err
	}
	if dest := ds.FindLocalDestination(keys.IdentHash()); dest != nil {
		return dest, nil
	}
	return ds.CreateNewLocalDestination(keys, isPublic), nil
}

// DeleteLocalDestination tears down and forgets a destination.
func (ds *Destinations) DeleteLocalDestination(dest *Destination) {
	if dest == nil {
		return
	}
	done := make(chan struct{})
	ds.Post(func() {
		if found, ok := ds.destinations[dest.IdentHash()]; ok && found == dest {
			dest.teardown()
			delete(ds.destinations, dest.IdentHash())
		}
		close(done)
	})
	<-done
}

// FindLocalDestination returns the destination for an ident hash, or
// nil.
func (ds *Destinations) FindLocalDestination(ident data.Hash) *Destination {
	ch := make(chan *Destination, 1)
	ds.Post(func() { ch <- ds.destinations[ident] })
	return <-ch
}

// CreateClientStream opens an outgoing stream on the shared destination.
func (ds *Destinations) CreateClientStream(remote *lease_set.LeaseSet) *Stream {
	shared := ds.SharedLocalDestination()
	if shared == nil {
		return nil
	}
	return shared.CreateNewOutgoingStream(remote)
}

// HandleDataMessage is the entry point from the tunnel endpoint thread:
// unwrap the gzip-framed datagram and post the decoded packet onto the
// loop for the addressed destination.
func (ds *Destinations) HandleDataMessage(destination data.Hash, payload []byte) {
	protocol, raw, err := i2npReadData(payload)
	if err != nil {
		log.WithError(err).Warn("Malformed data message")
		return
	}
	if protocol != streamingProtocol {
		log.WithField("protocol", protocol).Warn("Data: protocol is not supported")
		return
	}
	packet := &Packet{Buf: raw}
	if !packet.Valid() {
		log.Warn("Malformed streaming packet")
		return
	}
	ds.Post(func() {
		if dest, ok := ds.destinations[destination]; ok {
			dest.handleNextPacket(packet)
		} else {
			log.WithField("destination", destination.Base64()).Debug("Local destination not found")
		}
	})
}
