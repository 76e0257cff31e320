// Package lease_set implements the signed lease bundle a destination
// publishes so peers can reach it through its inbound tunnels.
package lease_set

import (
	"encoding/binary"
	"time"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
)

const leaseSize = 32 + 4 + 8 // gateway + tunnelID + endDate

var (
	ERR_LEASE_SET_NOT_ENOUGH_DATA = oops.Errorf("not enough lease set data")
	ERR_LEASE_SET_BAD_SIGNATURE   = oops.Errorf("lease set signature verification failed")
	ERR_LEASE_SET_IDENTITY        = oops.Errorf("lease set update changes identity")
)

// Lease permits delivery to a destination through one inbound tunnel
// gateway until EndDate (milliseconds since epoch).
type Lease struct {
	TunnelGateway data.Hash
	TunnelID      uint32
	EndDate       uint64
}

// Expired reports whether the lease end date has passed.
func (l *Lease) Expired(now time.Time) bool {
	return uint64(now.UnixMilli()) >= l.EndDate
}

// LeaseSet is a signed bundle of the destination identity and its
// current leases.
type LeaseSet struct {
	ident  identity.Identity
	leases []Lease
	buf    []byte
}

// ReadLeaseSet parses and verifies a signed LeaseSet blob.
func ReadLeaseSet(buf []byte) (*LeaseSet, error) {
	ident, offset, err := identity.ReadIdentity(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < offset+1 {
		return nil, ERR_LEASE_SET_NOT_ENOUGH_DATA
	}
	num := int(buf[offset])
	offset++
	if len(buf) < offset+num*leaseSize+identity.SignatureSize {
		return nil, ERR_LEASE_SET_NOT_ENOUGH_DATA
	}
	ls := &LeaseSet{ident: ident}
	for i := 0; i < num; i++ {
		var lease Lease
		copy(lease.TunnelGateway[:], buf[offset:offset+32])
		lease.TunnelID = binary.BigEndian.Uint32(buf[offset+32:])
		lease.EndDate = binary.BigEndian.Uint64(buf[offset+36:])
		ls.leases = append(ls.leases, lease)
		offset += leaseSize
	}
	signed := buf[:offset]
	sig := buf[offset : offset+identity.SignatureSize]
	if !ident.Verify(signed, sig) {
		return nil, ERR_LEASE_SET_BAD_SIGNATURE
	}
	ls.buf = append([]byte(nil), buf[:offset+identity.SignatureSize]...)
	return ls, nil
}

// NewLeaseSet builds and signs a bundle for a local destination.
func NewLeaseSet(keys *identity.PrivateKeys, leases []Lease) *LeaseSet {
	buf := keys.Identity.Bytes()
	buf = append(buf, byte(len(leases)))
	for _, lease := range leases {
		buf = append(buf, lease.TunnelGateway[:]...)
		buf = append(buf, data.IntegerBytes(uint64(lease.TunnelID), 4)...)
		buf = append(buf, data.IntegerBytes(lease.EndDate, 8)...)
	}
	buf = append(buf, keys.Sign(buf)...)
	return &LeaseSet{
		ident:  keys.Identity,
		leases: append([]Lease(nil), leases...),
		buf:    buf,
	}
}

// Update replaces the bundle with a newer blob for the same identity.
func (ls *LeaseSet) Update(buf []byte) error {
	next, err := ReadLeaseSet(buf)
	if err != nil {
		return err
	}
	if next.IdentHash() != ls.IdentHash() {
		return ERR_LEASE_SET_IDENTITY
	}
	ls.leases = next.leases
	ls.buf = next.buf
	return nil
}

func (ls *LeaseSet) Identity() *identity.Identity { return &ls.ident }
func (ls *LeaseSet) IdentHash() data.Hash         { return ls.ident.IdentHash() }
func (ls *LeaseSet) Bytes() []byte                { return ls.buf }
func (ls *LeaseSet) Leases() []Lease              { return ls.leases }

// NonExpiredLeases returns the leases still valid at now.
func (ls *LeaseSet) NonExpiredLeases(now time.Time) []Lease {
	var live []Lease
	for _, lease := range ls.leases {
		if !lease.Expired(now) {
			live = append(live, lease)
		}
	}
	return live
}

// HasNonExpiredLeases reports whether the set is still usable.
func (ls *LeaseSet) HasNonExpiredLeases(now time.Time) bool {
	for _, lease := range ls.leases {
		if !lease.Expired(now) {
			return true
		}
	}
	return false
}
