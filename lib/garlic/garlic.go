// Package garlic declares the contract of the garlic layer the core
// borrows: per-destination routing sessions and one-shot envelopes for
// encrypted lookup replies. Envelope construction is out of scope.
package garlic

import (
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/i2np"
)

// Session multiplexes messages to one remote destination under shared
// session tags.
type Session interface {
	// WrapSingleMessage wraps msg in a garlic envelope. A non-nil
	// leaseSet is bundled alongside so the remote learns our reply path.
	WrapSingleMessage(msg *i2np.Message, leaseSet *lease_set.LeaseSet) *i2np.Message
}

// Routing hands out sessions.
type Routing interface {
	// RoutingSession returns the session for a remote LeaseSet,
	// provisioning numTags tags when creating one.
	RoutingSession(leaseSet *lease_set.LeaseSet, numTags int) Session
	// SymmetricSession builds a one-shot session from an inline session
	// key and tag, as supplied by encrypted-reply lookups.
	SymmetricSession(key, tag [32]byte) Session
}
