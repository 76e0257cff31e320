package netdb

import (
	"crypto/rand"
	"time"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

const (
	queueTimeout    = 15 * time.Second
	savePeriod      = 60 * time.Second
	publishPeriod   = 2400 * time.Second
	explorePeriod   = 30 * time.Second
	exploreBackoff  = 90 * time.Second
	largePopulation = 2500

	// a non-exploratory request retries after 5 s and dies after 60 s
	requestRetryAfter = 5 * time.Second
	requestExpiry     = 60 * time.Second
	maxFloodfillTries = 7

	reseedRetries = 10
)

// Start loads the database, runs the reseed gate, and launches the
// NetDb loop.
func (db *NetDb) Start() error {
	if err := db.Load(); err != nil {
		return err
	}
	if db.Size() < MinRouters && db.reseeder != nil {
		if err := db.reseeder.LoadCertificates(); err != nil {
			log.WithError(err).Warn("Failed to load reseed certificates")
		}
		retries := 0
		for db.Size() < MinRouters && retries < reseedRetries {
			if db.reseeder.ReseedNowSU3() {
				if err := db.Load(); err != nil {
					return err
				}
			}
			retries++
		}
		if db.Size() < MinRouters {
			log.WithField("retries", retries).Warn("Failed to reseed to minimum router count")
		}
	}

	db.runMutex.Lock()
	db.isRunning = true
	db.runMutex.Unlock()
	db.wg.Add(1)
	go db.run()
	return nil
}

// Stop terminates the loop and waits for it.
func (db *NetDb) Stop() {
	db.runMutex.Lock()
	running := db.isRunning
	db.isRunning = false
	db.runMutex.Unlock()
	if running {
		db.queue.Wakeup()
		db.wg.Wait()
	}
}

func (db *NetDb) running() bool {
	db.runMutex.Lock()
	defer db.runMutex.Unlock()
	return db.isRunning
}

// run is the dedicated NetDb thread: pull messages with a 15 s timeout,
// retry in-flight lookups on idle, and fire the periodic tasks.
func (db *NetDb) run() {
	defer db.wg.Done()
	var lastSave, lastPublish, lastExploratory time.Time
	lastSave = time.Now() // the first save pass runs a minute in

	for db.running() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("NetDb loop recovered")
				}
			}()

			qm, ok := db.queue.GetNextWithTimeout(queueTimeout)
			if ok {
				for {
					db.handleMessage(qm)
					if qm, ok = db.queue.Get(); !ok {
						break
					}
				}
			} else {
				if !db.running() {
					return
				}
				db.ManageRequests()
			}

			now := time.Now()
			if now.Sub(lastSave) >= savePeriod {
				db.SaveUpdated()
				db.ManageLeaseSets()
				lastSave = now
			}
			if now.Sub(lastPublish) >= publishPeriod {
				db.Publish()
				lastPublish = now
			}
			if now.Sub(lastExploratory) >= explorePeriod {
				numRouters := db.Size()
				if numRouters < largePopulation || now.Sub(lastExploratory) >= exploreBackoff {
					n := 1
					if numRouters > 0 {
						n = 800 / numRouters
					}
					if n < 1 {
						n = 1
					}
					if n > 9 {
						n = 9
					}
					db.Explore(n)
					lastExploratory = now
				}
			}
		}()
	}
}

func (db *NetDb) handleMessage(qm QueuedMessage) {
	switch qm.Message.Type {
	case i2np.I2NP_MESSAGE_TYPE_DATABASE_STORE:
		log.Debug("DatabaseStore")
		db.handleDatabaseStore(qm)
	case i2np.I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY:
		log.Debug("DatabaseSearchReply")
		db.handleDatabaseSearchReply(qm.Message.Payload)
	case i2np.I2NP_MESSAGE_TYPE_DATABASE_LOOKUP:
		log.Debug("DatabaseLookup")
		db.handleDatabaseLookup(qm.Message.Payload)
	default:
		log.WithField("type", qm.Message.Type).Warn("NetDb: unexpected message type")
	}
}

func (db *NetDb) handleDatabaseStore(qm QueuedMessage) {
	store, err := i2np.ReadDatabaseStore(qm.Message.Payload)
	if err != nil {
		log.WithError(err).Warn("Malformed DatabaseStore")
		return
	}
	if store.IsRouterInfo() {
		blob, err := store.RouterInfoData()
		if err != nil {
			log.WithError(err).Warn("Bad RouterInfo store payload")
			return
		}
		if _, err := db.AddRouterInfo(blob); err != nil {
			log.WithError(err).Warn("Rejected RouterInfo store")
		}
	} else {
		if err := db.AddLeaseSet(store.Key, store.Data, qm.From); err != nil {
			log.WithError(err).Warn("Rejected LeaseSet store")
		}
	}
}

// RequestDestination starts (or joins) a lookup for a key, sending the
// first query directly to the closest untried floodfill. Fails the
// request immediately when no floodfill is known.
func (db *NetDb) RequestDestination(destination data.Hash, onComplete RequestComplete) {
	dest := db.createRequestedDestination(destination, false)
	db.reqMutex.Lock()
	dest.AddComplete(onComplete)
	floodfill := db.GetClosestFloodfill(destination, dest.ExcludedPeers())
	if floodfill == nil {
		delete(db.requested, destination)
		db.reqMutex.Unlock()
		log.WithField("hash", destination.Base64()).Error("No floodfills found")
		dest.Fail()
		return
	}
	msg := dest.CreateRequestMessage(floodfill.IdentHash(), db.localHash(), nil)
	db.reqMutex.Unlock()

	if db.transport != nil {
		if err := db.transport.SendMessage(floodfill.IdentHash(), msg); err != nil {
			log.WithError(err).Warn("Failed to send lookup")
		}
	}
}

func (db *NetDb) createRequestedDestination(destination data.Hash, exploratory bool) *RequestedDestination {
	db.reqMutex.Lock()
	defer db.reqMutex.Unlock()
	if dest, ok := db.requested[destination]; ok {
		return dest
	}
	dest := NewRequestedDestination(destination, exploratory)
	db.requested[destination] = dest
	return dest
}

func (db *NetDb) deleteRequestedDestination(dest *RequestedDestination) {
	db.reqMutex.Lock()
	delete(db.requested, dest.Destination())
	db.reqMutex.Unlock()
}

func (db *NetDb) localHash() data.Hash {
	if db.local == nil {
		return data.Hash{}
	}
	return db.local.IdentHash()
}

// selfStoreMessage announces our own RouterInfo.
func (db *NetDb) selfStoreMessage() *i2np.Message {
	if db.local == nil {
		return nil
	}
	msg, err := i2np.NewRouterInfoStoreMessage(db.local)
	if err != nil {
		log.WithError(err).Error("Failed to build self DatabaseStore")
		return nil
	}
	return msg
}

// Explore issues lookups for random targets to grow the database. A
// target whose closest floodfill was already asked in this call is
// skipped. When exploratory tunnels exist each lookup gets a bundled pair, a
// DatabaseStore about us followed by the lookup with our inbound tunnel
// as the reply path, sent through the outbound tunnel.
func (db *NetDb) Explore(numDestinations int) {
	var pool tunnel.Pool
	if db.tunnels != nil {
		pool = db.tunnels.ExploratoryPool()
	}
	var outbound tunnel.OutboundTunnel
	var inbound tunnel.InboundTunnel
	if pool != nil {
		outbound = pool.NextOutboundTunnel(nil)
		inbound = pool.NextInboundTunnel()
	}
	throughTunnels := outbound != nil && inbound != nil

	log.WithField("count", numDestinations).Debug("Exploring new routers")
	var blocks []tunnel.MessageBlock
	asked := make(map[data.Hash]bool)
	for i := 0; i < numDestinations; i++ {
		var randomHash data.Hash
		rand.Read(randomHash[:])
		dest := db.createRequestedDestination(randomHash, true)

		db.reqMutex.Lock()
		floodfill := db.GetClosestFloodfill(randomHash, dest.ExcludedPeers())
		if floodfill == nil || asked[floodfill.IdentHash()] {
			db.reqMutex.Unlock()
			db.deleteRequestedDestination(dest)
			continue
		}
		asked[floodfill.IdentHash()] = true
		if throughTunnels {
			if selfStore := db.selfStoreMessage(); selfStore != nil {
				blocks = append(blocks, tunnel.MessageBlock{
					DeliveryType: tunnel.DeliveryTypeRouter,
					To:           floodfill.IdentHash(),
					Message:      selfStore,
				})
			}
			blocks = append(blocks, tunnel.MessageBlock{
				DeliveryType: tunnel.DeliveryTypeRouter,
				To:           floodfill.IdentHash(),
				Message:      dest.CreateRequestMessage(floodfill.IdentHash(), db.localHash(), inbound),
			})
			db.reqMutex.Unlock()
		} else {
			msg := dest.CreateRequestMessage(floodfill.IdentHash(), db.localHash(), nil)
			db.reqMutex.Unlock()
			if db.transport != nil {
				db.transport.SendMessage(floodfill.IdentHash(), msg)
			}
		}
	}
	if throughTunnels && len(blocks) > 0 {
		outbound.SendTunnelDataMsg(blocks)
	}
}

// Publish announces our RouterInfo to the three floodfills closest to our
// IdentHash, excluding targets already used within this pass.
func (db *NetDb) Publish() {
	if db.local == nil || db.transport == nil {
		return
	}
	excluded := make(map[data.Hash]bool)
	for i := 0; i < 3; i++ {
		floodfill := db.GetClosestFloodfill(db.local.IdentHash(), excluded)
		if floodfill == nil {
			return
		}
		if msg := db.selfStoreMessage(); msg != nil {
			log.WithField("floodfill", floodfill.IdentHash().Base64()).Debug("Publishing our RouterInfo")
			db.transport.SendMessage(floodfill.IdentHash(), msg)
		}
		excluded[floodfill.IdentHash()] = true
	}
}

// ManageRequests retries or retires every in-flight lookup: retry with
// the next-closest floodfill after 5 s, give up after 7 floodfills or
// 60 s, and retire exploratory requests on each sweep.
func (db *NetDb) ManageRequests() {
	now := time.Now()

	db.reqMutex.Lock()
	dests := make([]*RequestedDestination, 0, len(db.requested))
	for _, dest := range db.requested {
		dests = append(dests, dest)
	}
	db.reqMutex.Unlock()

	for _, dest := range dests {
		age := now.Sub(dest.CreationTime())
		done := true
		if !dest.IsExploratory() && age < requestExpiry {
			done = false
			if age > requestRetryAfter {
				if dest.AttemptCount() < maxFloodfillTries {
					done = !db.retryRequest(dest)
				} else {
					log.WithField("hash", dest.Destination().Base64()).Warn("Not found after 7 floodfills")
					done = true
				}
			}
		}
		if done {
			db.deleteRequestedDestination(dest)
			dest.Fail()
		}
	}
}

// retryRequest sends the lookup to the next-closest floodfill through the
// exploratory tunnels. Returns false when the prerequisites are gone.
func (db *NetDb) retryRequest(dest *RequestedDestination) bool {
	var pool tunnel.Pool
	if db.tunnels != nil {
		pool = db.tunnels.ExploratoryPool()
	}
	if pool == nil {
		return false
	}
	outbound := pool.NextOutboundTunnel(nil)
	inbound := pool.NextInboundTunnel()
	db.reqMutex.Lock()
	floodfill := db.GetClosestFloodfill(dest.Destination(), dest.ExcludedPeers())
	if floodfill == nil || outbound == nil || inbound == nil {
		db.reqMutex.Unlock()
		if floodfill == nil {
			log.Warn("No more floodfills")
		}
		return false
	}
	msg := dest.CreateRequestMessage(floodfill.IdentHash(), db.localHash(), inbound)
	db.reqMutex.Unlock()

	outbound.SendTunnelDataMsg([]tunnel.MessageBlock{{
		DeliveryType: tunnel.DeliveryTypeRouter,
		To:           floodfill.IdentHash(),
		Message:      msg,
	}})
	return true
}

// handleDatabaseSearchReply advances the iterative lookup: try the next
// floodfill for our own requests, and chase every returned peer hash we
// do not know (or know only stale).
func (db *NetDb) handleDatabaseSearchReply(payload []byte) {
	reply, err := i2np.ReadDatabaseSearchReply(payload)
	if err != nil {
		log.WithError(err).Warn("Malformed DatabaseSearchReply")
		return
	}
	log.WithFields(logger.Fields{
		"key": reply.Key.Base64(),
		"num": len(reply.PeerHashes),
	}).Debug("DatabaseSearchReply")

	db.reqMutex.Lock()
	dest, found := db.requested[reply.Key]
	db.reqMutex.Unlock()
	if found {
		keepAlive := false
		if len(reply.PeerHashes) > 0 && !dest.IsExploratory() && dest.AttemptCount() < maxFloodfillTries {
			keepAlive = db.tryNextFloodfill(dest)
		}
		if !keepAlive {
			db.deleteRequestedDestination(dest)
			dest.Fail()
		}
	} else {
		log.WithField("key", reply.Key.Base64()).Debug("Requested destination not found")
	}

	// chase the returned peers
	staleAfter := uint64(db.clock.Now().Add(-time.Hour).UnixMilli())
	for _, peer := range reply.PeerHashes {
		ri := db.FindRouter(peer)
		if ri == nil || ri.Timestamp() < staleAfter {
			log.WithField("peer", peer.Base64()).Debug("Requesting new/outdated router")
			db.RequestDestination(peer, nil)
		}
	}
}

// tryNextFloodfill sends the store+lookup pair for dest to the next
// floodfill through the exploratory tunnels. Returns true if sent.
func (db *NetDb) tryNextFloodfill(dest *RequestedDestination) bool {
	var pool tunnel.Pool
	if db.tunnels != nil {
		pool = db.tunnels.ExploratoryPool()
	}
	if pool == nil {
		return false
	}
	outbound := pool.NextOutboundTunnel(nil)
	inbound := pool.NextInboundTunnel()
	if outbound == nil || inbound == nil {
		return false
	}
	db.reqMutex.Lock()
	floodfill := db.GetClosestFloodfill(dest.Destination(), dest.ExcludedPeers())
	if floodfill == nil {
		db.reqMutex.Unlock()
		return false
	}
	log.WithFields(logger.Fields{
		"key":       dest.Destination().Base64(),
		"attempt":   dest.AttemptCount(),
		"floodfill": floodfill.IdentHash().Base64(),
	}).Debug("Trying next floodfill")
	lookup := dest.CreateRequestMessage(floodfill.IdentHash(), db.localHash(), inbound)
	db.reqMutex.Unlock()

	blocks := []tunnel.MessageBlock{}
	if selfStore := db.selfStoreMessage(); selfStore != nil {
		// tell the floodfill about us
		blocks = append(blocks, tunnel.MessageBlock{
			DeliveryType: tunnel.DeliveryTypeRouter,
			To:           floodfill.IdentHash(),
			Message:      selfStore,
		})
	}
	blocks = append(blocks, tunnel.MessageBlock{
		DeliveryType: tunnel.DeliveryTypeRouter,
		To:           floodfill.IdentHash(),
		Message:      lookup,
	})
	outbound.SendTunnelDataMsg(blocks)
	return true
}
