// Package router_info implements the signed record describing one router:
// its identity, capabilities, timestamp and transport addresses.
package router_info

import (
	"encoding/binary"
	"os"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
)

// Capability flags carried in the caps byte.
const (
	CapFloodfill      = 0x01
	CapHighBandwidth  = 0x02
	CapHidden         = 0x04
	CapUsesIntroducer = 0x08
	CapIPv6           = 0x10
)

var (
	ERR_ROUTER_INFO_NOT_ENOUGH_DATA = oops.Errorf("not enough router info data")
	ERR_ROUTER_INFO_BAD_SIGNATURE   = oops.Errorf("router info signature verification failed")
	ERR_ROUTER_INFO_IDENTITY        = oops.Errorf("router info update changes identity")
	ERR_ROUTER_INFO_STALE           = oops.Errorf("router info timestamp not newer")
)

// RouterAddress is one transport endpoint of a router.
type RouterAddress struct {
	Cost           byte
	TransportStyle string
	Host           string
	Port           uint16
}

// RouterInfo is a parsed, signature-checked router record. The flag
// fields (updated, unreachable) are owned by the NetDb that holds the
// record and are only touched under its locks.
type RouterInfo struct {
	ident     identity.Identity
	identHash data.Hash
	timestamp uint64 // milliseconds since epoch
	caps      byte
	addresses []RouterAddress

	buf         []byte // signed blob, droppable once persisted
	updated     bool
	unreachable bool
}

// ReadRouterInfo parses and verifies a signed RouterInfo blob, returning
// the number of bytes consumed.
func ReadRouterInfo(buf []byte) (*RouterInfo, int, error) {
	ident, offset, err := identity.ReadIdentity(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < offset+10 {
		return nil, 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	ri := &RouterInfo{ident: ident}
	ri.timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8
	ri.caps = buf[offset]
	offset++
	numAddresses := int(buf[offset])
	offset++
	for i := 0; i < numAddresses; i++ {
		addr, n, err := readRouterAddress(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		ri.addresses = append(ri.addresses, addr)
		offset += n
	}
	if len(buf) < offset+identity.SignatureSize {
		return nil, 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	signed := buf[:offset]
	sig := buf[offset : offset+identity.SignatureSize]
	if !ident.Verify(signed, sig) {
		return nil, 0, ERR_ROUTER_INFO_BAD_SIGNATURE
	}
	offset += identity.SignatureSize
	ri.buf = append([]byte(nil), buf[:offset]...)
	ri.identHash = ident.IdentHash()
	return ri, offset, nil
}

func readRouterAddress(buf []byte) (RouterAddress, int, error) {
	if len(buf) < 2 {
		return RouterAddress{}, 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	var addr RouterAddress
	addr.Cost = buf[0]
	offset := 1
	style, n, err := readShortString(buf[offset:])
	if err != nil {
		return RouterAddress{}, 0, err
	}
	addr.TransportStyle = style
	offset += n
	host, n, err := readShortString(buf[offset:])
	if err != nil {
		return RouterAddress{}, 0, err
	}
	addr.Host = host
	offset += n
	if len(buf) < offset+2 {
		return RouterAddress{}, 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	addr.Port = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	return addr, offset, nil
}

func readShortString(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	l := int(buf[0])
	if len(buf) < 1+l {
		return "", 0, ERR_ROUTER_INFO_NOT_ENOUGH_DATA
	}
	return string(buf[1 : 1+l]), 1 + l, nil
}

// NewRouterInfo builds and signs a record for the local router.
func NewRouterInfo(keys *identity.PrivateKeys, timestampMillis uint64, caps byte, addresses []RouterAddress) *RouterInfo {
	buf := keys.Identity.Bytes()
	buf = append(buf, data.IntegerBytes(timestampMillis, 8)...)
	buf = append(buf, caps, byte(len(addresses)))
	for _, addr := range addresses {
		buf = append(buf, addr.Cost, byte(len(addr.TransportStyle)))
		buf = append(buf, addr.TransportStyle...)
		buf = append(buf, byte(len(addr.Host)))
		buf = append(buf, addr.Host...)
		buf = append(buf, data.IntegerBytes(uint64(addr.Port), 2)...)
	}
	buf = append(buf, keys.Sign(buf)...)
	return &RouterInfo{
		ident:     keys.Identity,
		identHash: keys.Identity.IdentHash(),
		timestamp: timestampMillis,
		caps:      caps,
		addresses: addresses,
		buf:       buf,
		updated:   true,
	}
}

// Update replaces the record with a newer blob. The blob must verify,
// carry the same identity, and have a strictly greater timestamp.
func (ri *RouterInfo) Update(buf []byte) error {
	next, _, err := ReadRouterInfo(buf)
	if err != nil {
		return err
	}
	if next.identHash != ri.identHash {
		return ERR_ROUTER_INFO_IDENTITY
	}
	if next.timestamp <= ri.timestamp {
		return ERR_ROUTER_INFO_STALE
	}
	ri.timestamp = next.timestamp
	ri.caps = next.caps
	ri.addresses = next.addresses
	ri.buf = next.buf
	ri.updated = true
	return nil
}

func (ri *RouterInfo) Identity() *identity.Identity { return &ri.ident }
func (ri *RouterInfo) IdentHash() data.Hash         { return ri.identHash }
func (ri *RouterInfo) Timestamp() uint64            { return ri.timestamp }
func (ri *RouterInfo) Caps() byte                   { return ri.caps }

func (ri *RouterInfo) RouterAddresses() []RouterAddress { return ri.addresses }

func (ri *RouterInfo) IsFloodfill() bool     { return ri.caps&CapFloodfill != 0 }
func (ri *RouterInfo) IsHighBandwidth() bool { return ri.caps&CapHighBandwidth != 0 }
func (ri *RouterInfo) IsHidden() bool        { return ri.caps&CapHidden != 0 }
func (ri *RouterInfo) UsesIntroducer() bool  { return ri.caps&CapUsesIntroducer != 0 }

func (ri *RouterInfo) IsUnreachable() bool     { return ri.unreachable }
func (ri *RouterInfo) SetUnreachable(val bool) { ri.unreachable = val }
func (ri *RouterInfo) IsUpdated() bool         { return ri.updated }
func (ri *RouterInfo) SetUpdated(val bool)     { ri.updated = val }

// Bytes returns the signed blob, re-reading it from disk is the caller's
// problem once DeleteBuffer has been called.
func (ri *RouterInfo) Bytes() []byte { return ri.buf }

// DeleteBuffer drops the raw blob, keeping only parsed fields.
func (ri *RouterInfo) DeleteBuffer() { ri.buf = nil }

// LoadBuffer re-reads the signed blob from its persisted file after
// DeleteBuffer. No-op if the buffer is still held.
func (ri *RouterInfo) LoadBuffer(fpath string) error {
	if ri.buf != nil {
		return nil
	}
	buf, err := os.ReadFile(fpath)
	if err != nil {
		return oops.Errorf("failed to reload router info buffer: %w", err)
	}
	ri.buf = buf
	return nil
}

// SaveToFile writes the signed blob.
func (ri *RouterInfo) SaveToFile(fpath string) error {
	if ri.buf == nil {
		return oops.Errorf("router info buffer already dropped")
	}
	return os.WriteFile(fpath, ri.buf, 0o600)
}

// ReadRouterInfoFromFile loads and verifies a persisted record.
func ReadRouterInfoFromFile(fpath string) (*RouterInfo, error) {
	buf, err := os.ReadFile(fpath)
	if err != nil {
		return nil, oops.Errorf("failed to read router info file: %w", err)
	}
	ri, _, err := ReadRouterInfo(buf)
	if err != nil {
		return nil, err
	}
	return ri, nil
}
