// Package netdb implements the network database: the floodfill-backed
// directory of RouterInfos and LeaseSets, its on-disk skiplist, and the
// iterative lookup engine that fills it.
package netdb

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/garlic"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/transport"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
	"github.com/go-i2p/go-i2pd/lib/util"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
	"github.com/go-i2p/go-i2pd/lib/util/time/sntp"
)

// MinRouters is the population below which the reseed gate engages.
const MinRouters = 50

// MaxClockSkew is how far into the future a RouterInfo timestamp may sit
// before the record is rejected.
const MaxClockSkew = 2 * time.Minute

// Reseeder is the external SU3 reseed collaborator.
type Reseeder interface {
	LoadCertificates() error
	ReseedNowSU3() bool
}

// QueuedMessage is one decoded I2NP message handed across the thread
// boundary, with the inbound tunnel it arrived through (nil if direct).
type QueuedMessage struct {
	Message *i2np.Message
	From    tunnel.InboundTunnel
}

// NetDb owns the three indexed collections, each under its own mutex
// held only for the duration of a lookup, insert or removal.
type NetDb struct {
	path string

	routerInfos map[data.Hash]*router_info.RouterInfo
	riMutex     sync.Mutex
	floodfills  []*router_info.RouterInfo
	ffMutex     sync.Mutex
	leaseSets   map[data.Hash]*lease_set.LeaseSet
	lsMutex     sync.Mutex

	requested map[data.Hash]*RequestedDestination
	reqMutex  sync.Mutex

	queue *util.Queue[QueuedMessage]

	transport transport.Transport
	tunnels   tunnel.Manager
	garlic    garlic.Routing
	reseeder  Reseeder
	clock     *sntp.Timestamper
	local     *router_info.RouterInfo

	isRunning bool
	runMutex  sync.Mutex
	wg        sync.WaitGroup
}

// NewNetDb creates a database rooted at path. The collaborators may be
// nil in tests; operations needing them fail soft.
func NewNetDb(path string, tp transport.Transport, tunnels tunnel.Manager, routing garlic.Routing, reseeder Reseeder, clock *sntp.Timestamper, local *router_info.RouterInfo) *NetDb {
	if clock == nil {
		clock = &sntp.Timestamper{}
	}
	return &NetDb{
		path:        path,
		routerInfos: make(map[data.Hash]*router_info.RouterInfo),
		leaseSets:   make(map[data.Hash]*lease_set.LeaseSet),
		requested:   make(map[data.Hash]*RequestedDestination),
		queue:       util.NewQueue[QueuedMessage](),
		transport:   tp,
		tunnels:     tunnels,
		garlic:      routing,
		reseeder:    reseeder,
		clock:       clock,
		local:       local,
	}
}

// Path returns the netDb directory.
func (db *NetDb) Path() string { return db.path }

// PostMessage hands a decoded I2NP message to the NetDb loop.
func (db *NetDb) PostMessage(msg *i2np.Message, from tunnel.InboundTunnel) {
	if msg != nil {
		db.queue.Put(QueuedMessage{Message: msg, From: from})
	}
}

// AddRouterInfo inserts or updates a record from a signed blob. Updates
// are last-writer-wins by strictly greater timestamp. Completes any
// outstanding request for the key.
func (db *NetDb) AddRouterInfo(buf []byte) (*router_info.RouterInfo, error) {
	ri, _, err := router_info.ReadRouterInfo(buf)
	if err != nil {
		return nil, err
	}
	now := uint64(db.clock.Now().UnixMilli())
	if ri.Timestamp() > now+uint64(MaxClockSkew.Milliseconds()) {
		return nil, oops.Errorf("router info timestamp %d is in the future", ri.Timestamp())
	}
	ident := ri.IdentHash()

	db.riMutex.Lock()
	existing, known := db.routerInfos[ident]
	if known {
		wasFloodfill := existing.IsFloodfill()
		if err := existing.Update(buf); err != nil {
			db.riMutex.Unlock()
			if errors.Is(err, router_info.ERR_ROUTER_INFO_STALE) {
				log.WithField("hash", ident.Base64()).Debug("Ignoring stale RouterInfo")
				db.completeRequest(ident, existing)
				return existing, nil
			}
			return nil, err
		}
		ri = existing
		db.riMutex.Unlock()
		if !wasFloodfill && ri.IsFloodfill() {
			db.addFloodfill(ri)
		} else if wasFloodfill && !ri.IsFloodfill() {
			db.removeFloodfill(ri)
		}
		log.WithField("hash", ident.Base64()).Debug("RouterInfo updated")
	} else {
		ri.SetUpdated(true)
		db.routerInfos[ident] = ri
		db.riMutex.Unlock()
		if ri.IsFloodfill() {
			db.addFloodfill(ri)
		}
		log.WithField("hash", ident.Base64()).Debug("New RouterInfo added")
	}

	db.completeRequest(ident, ri)
	return ri, nil
}

// AddLeaseSet stores a LeaseSet delivered through a lookup reply.
// Unsolicited stores (no attributed tunnel) are rejected.
func (db *NetDb) AddLeaseSet(key data.Hash, buf []byte, from tunnel.InboundTunnel) error {
	if from == nil {
		log.WithField("key", key.Base64()).Warn("Rejecting unsolicited LeaseSet store")
		return oops.Errorf("unsolicited lease set store for %s", key.Base64())
	}
	db.lsMutex.Lock()
	defer db.lsMutex.Unlock()
	if existing, ok := db.leaseSets[key]; ok {
		if err := existing.Update(buf); err != nil {
			return err
		}
		log.WithField("key", key.Base64()).Debug("LeaseSet updated")
		return nil
	}
	ls, err := lease_set.ReadLeaseSet(buf)
	if err != nil {
		return err
	}
	if ls.IdentHash() != key {
		return oops.Errorf("lease set key mismatch")
	}
	db.leaseSets[key] = ls
	log.WithField("key", key.Base64()).Debug("New LeaseSet added")
	return nil
}

// PublishLeaseSet stores a locally built LeaseSet and announces it to the
// floodfill closest to its key.
func (db *NetDb) PublishLeaseSet(ls *lease_set.LeaseSet) {
	key := ls.IdentHash()
	db.lsMutex.Lock()
	db.leaseSets[key] = ls
	db.lsMutex.Unlock()

	floodfill := db.GetClosestFloodfill(key, nil)
	if floodfill == nil {
		log.Warn("No floodfill to publish LeaseSet to")
		return
	}
	if db.transport == nil {
		return
	}
	if err := db.transport.SendMessage(floodfill.IdentHash(), i2np.NewLeaseSetStoreMessage(ls)); err != nil {
		log.WithError(err).Warn("Failed to publish LeaseSet")
	}
}

// FindRouter returns the stored record for a key, or nil.
func (db *NetDb) FindRouter(ident data.Hash) *router_info.RouterInfo {
	db.riMutex.Lock()
	defer db.riMutex.Unlock()
	return db.routerInfos[ident]
}

// FindLeaseSet returns the stored LeaseSet for a destination, or nil.
func (db *NetDb) FindLeaseSet(ident data.Hash) *lease_set.LeaseSet {
	db.lsMutex.Lock()
	defer db.lsMutex.Unlock()
	return db.leaseSets[ident]
}

// SetUnreachable marks a record for deletion on the next save pass.
func (db *NetDb) SetUnreachable(ident data.Hash, unreachable bool) {
	db.riMutex.Lock()
	defer db.riMutex.Unlock()
	if ri, ok := db.routerInfos[ident]; ok {
		ri.SetUnreachable(unreachable)
	}
}

// Size returns the router population.
func (db *NetDb) Size() int {
	db.riMutex.Lock()
	defer db.riMutex.Unlock()
	return len(db.routerInfos)
}

// GetClosestFloodfill returns the reachable floodfill not in excluded
// whose IdentHash minimizes the XOR distance from the target's routing
// key, or nil.
func (db *NetDb) GetClosestFloodfill(destination data.Hash, excluded map[data.Hash]bool) *router_info.RouterInfo {
	destKey := data.CreateRoutingKey(destination, db.clock.Now())
	minMetric := data.MaxXORDistance()
	var closest *router_info.RouterInfo

	db.ffMutex.Lock()
	defer db.ffMutex.Unlock()
	for _, ff := range db.floodfills {
		if ff.IsUnreachable() || excluded[ff.IdentHash()] {
			continue
		}
		m := data.Distance(destKey, ff.IdentHash())
		if m.Less(minMetric) {
			minMetric = m
			closest = ff
		}
	}
	return closest
}

// GetRandomRouter picks a uniform-random start index and scans forward,
// wrapping around at most once, returning the first reachable record
// passing the filter.
func (db *NetDb) GetRandomRouter(filter func(*router_info.RouterInfo) bool) *router_info.RouterInfo {
	db.riMutex.Lock()
	defer db.riMutex.Unlock()
	if len(db.routerInfos) == 0 {
		return nil
	}
	ind := rand.Intn(len(db.routerInfos))
	for pass := 0; pass < 2; pass++ {
		i := 0
		for _, ri := range db.routerInfos {
			if i >= ind {
				if !ri.IsUnreachable() && (filter == nil || filter(ri)) {
					return ri
				}
			} else {
				i++
			}
		}
		// we couldn't find anything, try second pass
		ind = 0
	}
	return nil // seems we have too few routers
}

// ManageLeaseSets drops LeaseSets with no non-expired lease.
func (db *NetDb) ManageLeaseSets() {
	now := db.clock.Now()
	db.lsMutex.Lock()
	defer db.lsMutex.Unlock()
	for key, ls := range db.leaseSets {
		if !ls.HasNonExpiredLeases(now) {
			log.WithField("key", key.Base64()).Debug("LeaseSet expired")
			delete(db.leaseSets, key)
		}
	}
}

func (db *NetDb) addFloodfill(ri *router_info.RouterInfo) {
	db.ffMutex.Lock()
	defer db.ffMutex.Unlock()
	for _, ff := range db.floodfills {
		if ff == ri {
			return
		}
	}
	db.floodfills = append(db.floodfills, ri)
}

func (db *NetDb) removeFloodfill(ri *router_info.RouterInfo) {
	db.ffMutex.Lock()
	defer db.ffMutex.Unlock()
	for i, ff := range db.floodfills {
		if ff == ri {
			db.floodfills = append(db.floodfills[:i], db.floodfills[i+1:]...)
			return
		}
	}
}

// completeRequest fires and removes the outstanding request for ident,
// if any. Callbacks run outside the request lock.
func (db *NetDb) completeRequest(ident data.Hash, ri *router_info.RouterInfo) {
	db.reqMutex.Lock()
	dest, ok := db.requested[ident]
	if ok {
		delete(db.requested, ident)
	}
	db.reqMutex.Unlock()
	if ok {
		log.WithFields(logger.Fields{
			"at":   "(NetDb) completeRequest",
			"hash": ident.Base64(),
		}).Debug("Lookup satisfied")
		dest.Success(ri)
	}
}
