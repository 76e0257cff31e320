package netdb

import (
	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

// handleDatabaseLookup serves a lookup from local state, in priority
// order: our RouterInfo copy, then our LeaseSet copy, then a
// DatabaseSearchReply naming the closest floodfill outside the
// requester's exclusion set.
func (db *NetDb) handleDatabaseLookup(payload []byte) {
	lookup, err := i2np.ReadDatabaseLookup(payload)
	if err != nil {
		log.WithError(err).Warn("Malformed DatabaseLookup")
		return
	}
	log.WithFields(logger.Fields{
		"at":  "(NetDb) handleDatabaseLookup",
		"key": lookup.Key.Base64(),
	}).Debug("DatabaseLookup received")

	replyMsg := db.buildLookupReply(&lookup)
	if replyMsg == nil {
		return
	}
	db.deliverLookupReply(&lookup, replyMsg)
}

func (db *NetDb) buildLookupReply(lookup *i2np.DatabaseLookup) *i2np.Message {
	if router := db.FindRouter(lookup.Key); router != nil {
		if blob := db.routerInfoBytes(router); blob != nil {
			log.WithField("key", lookup.Key.Base64()).Debug("Requested RouterInfo found")
			msg, err := i2np.NewRouterInfoStoreMessage(router)
			if err == nil {
				return msg
			}
			log.WithError(err).Warn("Failed to build RouterInfo reply")
		}
	}
	if leaseSet := db.FindLeaseSet(lookup.Key); leaseSet != nil {
		log.WithField("key", lookup.Key.Base64()).Debug("Requested LeaseSet found")
		return i2np.NewLeaseSetStoreMessage(leaseSet)
	}
	return db.buildSearchReply(lookup)
}

func (db *NetDb) buildSearchReply(lookup *i2np.DatabaseLookup) *i2np.Message {
	excluded := make(map[data.Hash]bool, len(lookup.ExcludedPeers))
	for _, peer := range lookup.ExcludedPeers {
		excluded[peer] = true
	}
	log.WithFields(logger.Fields{
		"key":          lookup.Key.Base64(),
		"num_excluded": len(excluded),
	}).Debug("Requested key not found")

	var peers []data.Hash
	if closest := db.GetClosestFloodfill(lookup.Key, excluded); closest != nil {
		peers = append(peers, closest.IdentHash())
	}
	return i2np.NewDatabaseSearchReplyMessage(lookup.Key, db.localHash(), peers)
}

// deliverLookupReply routes the reply: through an outbound exploratory
// tunnel to the requested reply tunnel (garlic-wrapped when the
// encrypted bit is set with an inline key and tag), or directly to the
// requesting router.
func (db *NetDb) deliverLookupReply(lookup *i2np.DatabaseLookup, replyMsg *i2np.Message) {
	if lookup.Flags&i2np.DATABASE_LOOKUP_FLAG_TUNNEL == 0 {
		if db.transport != nil {
			db.transport.SendMessage(lookup.From, replyMsg)
		}
		return
	}

	// encryption can be requested through a tunnel only
	if lookup.Flags&i2np.DATABASE_LOOKUP_FLAG_ENCRYPTED != 0 && len(lookup.ReplyTags) > 0 && db.garlic != nil {
		session := db.garlic.SymmetricSession(lookup.ReplyKey, lookup.ReplyTags[0])
		replyMsg = session.WrapSingleMessage(replyMsg, nil)
	}

	var pool tunnel.Pool
	if db.tunnels != nil {
		pool = db.tunnels.ExploratoryPool()
	}
	var outbound tunnel.OutboundTunnel
	if pool != nil {
		outbound = pool.NextOutboundTunnel(nil)
	}
	if outbound != nil {
		outbound.SendTunnelDataMsg([]tunnel.MessageBlock{{
			DeliveryType: tunnel.DeliveryTypeTunnel,
			To:           lookup.From,
			TunnelID:     lookup.ReplyTunnelID,
			Message:      replyMsg,
		}})
	} else if db.transport != nil {
		db.transport.SendMessage(lookup.From, i2np.NewTunnelGatewayMessage(lookup.ReplyTunnelID, replyMsg))
	}
}
