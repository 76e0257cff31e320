// Package i2ptunnel bridges clear-net TCP sockets and I2P streams: a
// client tunnel turns local connections into outgoing streams, a server
// tunnel turns incoming streams into connections to a local service.
package i2ptunnel

import (
	"sync"

	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

// Tunnel is the control surface the registry manages.
type Tunnel interface {
	Start() error
	Stop()
}

// connectionSet tracks the live bridges of one tunnel so Stop can tear
// them all down.
type connectionSet struct {
	mutex       sync.Mutex
	connections map[*Connection]struct{}
}

func newConnectionSet() *connectionSet {
	return &connectionSet{connections: make(map[*Connection]struct{})}
}

func (cs *connectionSet) add(conn *Connection) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.connections[conn] = struct{}{}
}

func (cs *connectionSet) remove(conn *Connection) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	delete(cs.connections, conn)
}

func (cs *connectionSet) clear() {
	cs.mutex.Lock()
	conns := make([]*Connection, 0, len(cs.connections))
	for conn := range cs.connections {
		conns = append(conns, conn)
	}
	cs.connections = make(map[*Connection]struct{})
	cs.mutex.Unlock()
	for _, conn := range conns {
		conn.terminate()
	}
}
