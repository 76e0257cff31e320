package netdb

import (
	"time"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
)

// RequestComplete is the one-shot completion callback of a lookup,
// invoked with the found RouterInfo or nil.
type RequestComplete func(*router_info.RouterInfo)

// RequestedDestination is the open state of one in-flight NetDb lookup:
// the target key, the floodfills already tried, and the completion
// callbacks waiting on it. One entry exists per key; callers landing on
// an existing entry chain their callbacks.
type RequestedDestination struct {
	destination data.Hash
	exploratory bool
	excluded    map[data.Hash]bool
	created     time.Time
	completes   []RequestComplete
}

func NewRequestedDestination(destination data.Hash, exploratory bool) *RequestedDestination {
	return &RequestedDestination{
		destination: destination,
		exploratory: exploratory,
		excluded:    make(map[data.Hash]bool),
		created:     time.Now(),
	}
}

func (r *RequestedDestination) Destination() data.Hash  { return r.destination }
func (r *RequestedDestination) IsExploratory() bool     { return r.exploratory }
func (r *RequestedDestination) CreationTime() time.Time { return r.created }

// AttemptCount is the number of floodfills already asked.
func (r *RequestedDestination) AttemptCount() int { return len(r.excluded) }

// ExcludedPeers returns a copy of the tried-floodfill set.
func (r *RequestedDestination) ExcludedPeers() map[data.Hash]bool {
	out := make(map[data.Hash]bool, len(r.excluded))
	for k := range r.excluded {
		out[k] = true
	}
	return out
}

// AddComplete chains another completion callback.
func (r *RequestedDestination) AddComplete(complete RequestComplete) {
	if complete != nil {
		r.completes = append(r.completes, complete)
	}
}

// CreateRequestMessage builds the lookup for the next floodfill, marking
// it tried and restarting the retry clock. A non-nil replyTunnel asks for
// delivery through that gateway instead of directly to us.
func (r *RequestedDestination) CreateRequestMessage(floodfill data.Hash, from data.Hash, replyTunnel tunnel.InboundTunnel) *i2np.Message {
	var msg *i2np.Message
	if replyTunnel != nil {
		msg = i2np.NewRouterInfoLookupMessage(r.destination, replyTunnel.NextIdentHash(),
			replyTunnel.NextTunnelID(), r.exploratory, r.excludedList())
	} else {
		msg = i2np.NewRouterInfoLookupMessage(r.destination, from, 0, r.exploratory, r.excludedList())
	}
	r.excluded[floodfill] = true
	r.created = time.Now()
	return msg
}

func (r *RequestedDestination) excludedList() []data.Hash {
	out := make([]data.Hash, 0, len(r.excluded))
	for k := range r.excluded {
		out = append(out, k)
	}
	return out
}

// Success completes every waiting callback with the found record.
func (r *RequestedDestination) Success(ri *router_info.RouterInfo) {
	completes := r.completes
	r.completes = nil
	for _, complete := range completes {
		complete(ri)
	}
}

// Fail completes every waiting callback with nothing.
func (r *RequestedDestination) Fail() {
	r.Success(nil)
}
