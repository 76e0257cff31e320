package i2ptunnel

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/base32"
	"github.com/go-i2p/go-i2pd/lib/common/base64"
	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/netdb"
	"github.com/go-i2p/go-i2pd/lib/streaming"
)

// destinationRequestTimeout bounds the NetDb lookup for a remote
// destination before the local socket is dropped.
const destinationRequestTimeout = 15 * time.Second

// ClientTunnel listens on a local TCP port and bridges each accepted
// connection to an outgoing stream. The remote destination is either
// fixed at configuration time or, when empty, read as the first line of
// each accepted connection.
type ClientTunnel struct {
	listenAddr  string
	destination string

	local *streaming.Destination
	db    *netdb.NetDb

	listener net.Listener
	conns    *connectionSet
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewClientTunnel(listenAddr, destination string, local *streaming.Destination, db *netdb.NetDb) *ClientTunnel {
	return &ClientTunnel{
		listenAddr:  listenAddr,
		destination: destination,
		local:       local,
		db:          db,
		conns:       newConnectionSet(),
	}
}

func (t *ClientTunnel) Start() error {
	listener, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return oops.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}
	t.listener = listener
	log.WithField("addr", t.listenAddr).Info("Client tunnel listening")
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *ClientTunnel) Stop() {
	t.stopOnce.Do(func() {
		if t.listener != nil {
			t.listener.Close()
		}
		t.conns.clear()
		t.wg.Wait()
	})
}

func (t *ClientTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		socket, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleAccept(socket)
		}()
	}
}

func (t *ClientTunnel) handleAccept(socket net.Conn) {
	destination := t.destination
	if destination == "" {
		// BOB-style inbound: the client states the destination first.
		// Read unbuffered so the payload that follows stays on the socket.
		socket.SetReadDeadline(time.Now().Add(time.Minute))
		line, err := readLine(socket, 1024)
		if err != nil {
			log.WithError(err).Debug("Failed to read destination line")
			socket.Close()
			return
		}
		socket.SetReadDeadline(time.Time{})
		destination = strings.TrimSpace(line)
	}

	ident, err := ParseDestination(destination)
	if err != nil {
		log.WithError(err).Warn("Unresolvable destination")
		socket.Close()
		return
	}

	leaseSet := t.resolveLeaseSet(ident)
	if leaseSet == nil {
		log.WithField("ident", ident.Base32()).Warn("Destination LeaseSet not found")
		socket.Close()
		return
	}

	stream := t.local.CreateNewOutgoingStream(leaseSet)
	conn := newConnection(t.conns, socket, stream)
	conn.start()
}

// resolveLeaseSet finds the remote LeaseSet locally or requests the
// destination through NetDb and waits for the lookup to settle.
func (t *ClientTunnel) resolveLeaseSet(ident data.Hash) *lease_set.LeaseSet {
	if ls := t.db.FindLeaseSet(ident); ls != nil {
		return ls
	}
	done := make(chan struct{}, 1)
	t.db.RequestDestination(ident, func(ri *router_info.RouterInfo) {
		done <- struct{}{}
	})
	select {
	case <-done:
	case <-time.After(destinationRequestTimeout):
	}
	return t.db.FindLeaseSet(ident)
}

// readLine reads up to maxLen bytes one at a time until a newline.
func readLine(r io.Reader, maxLen int) (string, error) {
	var line []byte
	single := make([]byte, 1)
	for len(line) < maxLen {
		if _, err := io.ReadFull(r, single); err != nil {
			return "", err
		}
		if single[0] == '\n' {
			return string(line), nil
		}
		line = append(line, single[0])
	}
	return "", oops.Errorf("destination line too long")
}

// ParseDestination maps a <b32>.b32.i2p hostname or a base64 ident hash
// to the destination's IdentHash.
func ParseDestination(destination string) (data.Hash, error) {
	if strings.HasSuffix(destination, ".b32.i2p") {
		raw, err := base32.DecodeString(strings.TrimSuffix(destination, ".b32.i2p"))
		if err != nil {
			return data.Hash{}, oops.Errorf("bad base32 address: %w", err)
		}
		if h, ok := data.HashFromBytes(raw); ok {
			return h, nil
		}
		return data.Hash{}, oops.Errorf("base32 address is not a 32-byte hash")
	}
	raw, err := base64.DecodeString(destination)
	if err != nil {
		return data.Hash{}, oops.Errorf("bad base64 address: %w", err)
	}
	if h, ok := data.HashFromBytes(raw); ok {
		return h, nil
	}
	return data.Hash{}, fmt.Errorf("address is not a 32-byte hash")
}
