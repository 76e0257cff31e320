package i2ptunnel

import (
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-i2pd/lib/streaming"
)

const (
	// ConnectionBufferSize is the fixed pump buffer in each direction.
	ConnectionBufferSize = 8192
	// ConnectionMaxIdle closes a bridge with no traffic in either
	// direction.
	ConnectionMaxIdle = 3600 * time.Second
)

// Connection pumps bytes both ways between one TCP socket and one
// stream. Each direction runs its own goroutine with a fixed buffer;
// either side failing or idling out terminates both.
type Connection struct {
	owner  *connectionSet
	socket net.Conn
	stream *streaming.Stream

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(owner *connectionSet, socket net.Conn, stream *streaming.Stream) *Connection {
	return &Connection{owner: owner, socket: socket, stream: stream}
}

func (c *Connection) start() {
	c.owner.add(c)
	c.wg.Add(2)
	go c.pumpSocketToStream()
	go c.pumpStreamToSocket()
}

// terminate closes both sides; safe to call more than once.
func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		c.socket.Close()
		c.stream.Close()
		c.owner.remove(c)
	})
}

func (c *Connection) pumpSocketToStream() {
	defer c.wg.Done()
	defer c.terminate()
	buf := make([]byte, ConnectionBufferSize)
	for {
		c.socket.SetReadDeadline(time.Now().Add(ConnectionMaxIdle))
		n, err := c.socket.Read(buf)
		if n > 0 {
			if _, serr := c.stream.Send(buf[:n]); serr != nil {
				log.WithError(serr).Debug("Stream send failed")
				return
			}
		}
		if err != nil {
			log.WithError(err).Debug("Socket read finished")
			return
		}
	}
}

func (c *Connection) pumpStreamToSocket() {
	defer c.wg.Done()
	defer c.terminate()
	buf := make([]byte, ConnectionBufferSize)
	for {
		n, err := c.stream.Read(buf, ConnectionMaxIdle)
		if n > 0 {
			if _, werr := c.socket.Write(buf[:n]); werr != nil {
				log.WithError(werr).Debug("Socket write failed")
				return
			}
		}
		if err != nil {
			log.WithError(err).Debug("Stream read finished")
			return
		}
	}
}
