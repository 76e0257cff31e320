package i2ptunnel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-i2pd/lib/streaming"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

// ServerTunnel hosts an identity: each incoming stream on its
// destination is bridged to a TCP connection to the configured local
// service.
type ServerTunnel struct {
	host string
	port int

	local *streaming.Destination

	conns    *connectionSet
	stopOnce sync.Once
}

func NewServerTunnel(host string, port int, local *streaming.Destination) *ServerTunnel {
	return &ServerTunnel{
		host:  host,
		port:  port,
		local: local,
		conns: newConnectionSet(),
	}
}

func (t *ServerTunnel) Start() error {
	t.local.SetAcceptor(func(stream *streaming.Stream) {
		go t.handleStream(stream)
	})
	log.WithFields(logger.Fields{
		"address": t.local.IdentHash().Base32() + ".b32.i2p",
		"target":  fmt.Sprintf("%s:%d", t.host, t.port),
	}).Info("Server tunnel accepting streams")
	return nil
}

func (t *ServerTunnel) Stop() {
	t.stopOnce.Do(func() {
		t.local.SetAcceptor(nil)
		t.conns.clear()
	})
}

func (t *ServerTunnel) handleStream(stream *streaming.Stream) {
	socket, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", t.host, t.port), 10*time.Second)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to tunnel target")
		stream.Close()
		return
	}
	conn := newConnection(t.conns, socket, stream)
	conn.start()
}
