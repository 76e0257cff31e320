// Package bob implements the line-oriented BOB control channel used by
// external clients to provision tunnels and keys.
package bob

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-i2pd/lib/common/base64"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/i2ptunnel"
	"github.com/go-i2p/go-i2pd/lib/netdb"
	"github.com/go-i2p/go-i2pd/lib/streaming"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

// CommandBufferSize bounds one command line.
const CommandBufferSize = 1024

// Command verbs.
const (
	CommandZap     = "zap"
	CommandQuit    = "quit"
	CommandStart   = "start"
	CommandSetNick = "setnick"
	CommandNewkeys = "newkeys"
	CommandOuthost = "outhost"
	CommandOutport = "outport"
	CommandInhost  = "inhost"
	CommandInport  = "inport"
)

type commandHandler func(session *commandSession, operand string) error

// CommandChannel accepts BOB control sessions and owns the shared
// tunnel registry sessions commit into on start.
type CommandChannel struct {
	listenAddr   string
	destinations *streaming.Destinations
	db           *netdb.NetDb
	onZap        func()

	listener net.Listener
	limiter  *rate.Limiter
	handlers map[string]commandHandler

	mutex   sync.Mutex
	tunnels map[string]i2ptunnel.Tunnel

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCommandChannel(listenAddr string, destinations *streaming.Destinations, db *netdb.NetDb, onZap func()) *CommandChannel {
	ch := &CommandChannel{
		listenAddr:   listenAddr,
		destinations: destinations,
		db:           db,
		onZap:        onZap,
		limiter:      rate.NewLimiter(rate.Limit(10), 20),
		tunnels:      make(map[string]i2ptunnel.Tunnel),
	}
	ch.handlers = map[string]commandHandler{
		CommandZap:     (*commandSession).handleZap,
		CommandQuit:    (*commandSession).handleQuit,
		CommandStart:   (*commandSession).handleStart,
		CommandSetNick: (*commandSession).handleSetNick,
		CommandNewkeys: (*commandSession).handleNewkeys,
		CommandOuthost: (*commandSession).handleOuthost,
		CommandOutport: (*commandSession).handleOutport,
		CommandInhost:  (*commandSession).handleInhost,
		CommandInport:  (*commandSession).handleInport,
	}
	return ch
}

func (ch *CommandChannel) Start() error {
	listener, err := net.Listen("tcp", ch.listenAddr)
	if err != nil {
		return oops.Errorf("failed to listen on %s: %w", ch.listenAddr, err)
	}
	ch.listener = listener
	log.WithField("addr", listener.Addr().String()).Info("BOB command channel listening")
	ch.wg.Add(1)
	go ch.acceptLoop()
	return nil
}

func (ch *CommandChannel) Stop() {
	ch.stopOnce.Do(func() {
		if ch.listener != nil {
			ch.listener.Close()
		}
		ch.mutex.Lock()
		tunnels := ch.tunnels
		ch.tunnels = make(map[string]i2ptunnel.Tunnel)
		ch.mutex.Unlock()
		for _, tun := range tunnels {
			tun.Stop()
		}
		ch.wg.Wait()
	})
}

// Addr returns the bound listener address.
func (ch *CommandChannel) Addr() net.Addr {
	if ch.listener == nil {
		return nil
	}
	return ch.listener.Addr()
}

// AddTunnel commits a started tunnel into the shared registry.
func (ch *CommandChannel) AddTunnel(name string, tun i2ptunnel.Tunnel) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.tunnels[name] = tun
}

func (ch *CommandChannel) acceptLoop() {
	defer ch.wg.Done()
	for {
		socket, err := ch.listener.Accept()
		if err != nil {
			return
		}
		if !ch.limiter.Allow() {
			log.Warn("BOB session rate limited")
			socket.Close()
			continue
		}
		ch.wg.Add(1)
		go func() {
			defer ch.wg.Done()
			newCommandSession(ch, socket).run()
		}()
	}
}

// commandSession holds per-session tunnel configuration until start
// moves it into the registry.
type commandSession struct {
	owner  *CommandChannel
	socket net.Conn

	nickname string
	keys     *identity.PrivateKeys
	inHost   string
	inPort   int
	outHost  string
	outPort  int

	done bool
}

func newCommandSession(owner *CommandChannel, socket net.Conn) *commandSession {
	return &commandSession{owner: owner, socket: socket, inHost: "127.0.0.1"}
}

func (s *commandSession) run() {
	defer s.socket.Close()
	reader := bufio.NewReaderSize(s.socket, CommandBufferSize)
	for !s.done {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) > CommandBufferSize {
			s.replyError("command too long")
			continue
		}
		s.handleLine(strings.TrimRight(line, "\r\n"))
	}
}

func (s *commandSession) handleLine(line string) {
	command, operand, _ := strings.Cut(line, " ")
	command = strings.ToLower(strings.TrimSpace(command))
	if command == "" {
		return
	}
	handler, ok := s.owner.handlers[command]
	if !ok {
		log.WithField("command", command).Debug("Unknown BOB command")
		s.replyError("unknown command " + command)
		return
	}
	if err := handler(s, strings.TrimSpace(operand)); err != nil {
		s.replyError(err.Error())
	}
}

func (s *commandSession) replyOK(msg string) {
	fmt.Fprintf(s.socket, "OK %s\n", msg)
}

func (s *commandSession) replyError(msg string) {
	fmt.Fprintf(s.socket, "ERROR %s\n", msg)
}

func (s *commandSession) handleZap(operand string) error {
	s.replyOK("terminating")
	s.done = true
	if s.owner.onZap != nil {
		s.owner.onZap()
	}
	return nil
}

func (s *commandSession) handleQuit(operand string) error {
	s.replyOK("bye")
	s.done = true
	return nil
}

func (s *commandSession) handleSetNick(operand string) error {
	if operand == "" {
		return oops.Errorf("nickname required")
	}
	s.nickname = operand
	s.replyOK("nickname set to " + operand)
	return nil
}

func (s *commandSession) handleNewkeys(operand string) error {
	keys, err := identity.CreateRandomKeys()
	if err != nil {
		return oops.Errorf("key generation failed")
	}
	s.keys = keys
	s.replyOK(base64.EncodeToString(keys.Identity.Bytes()))
	return nil
}

func (s *commandSession) handleOuthost(operand string) error {
	if operand == "" {
		return oops.Errorf("host required")
	}
	s.outHost = operand
	s.replyOK("outhost set")
	return nil
}

func (s *commandSession) handleOutport(operand string) error {
	port, err := strconv.Atoi(operand)
	if err != nil || port <= 0 || port > 65535 {
		return oops.Errorf("bad port %s", operand)
	}
	s.outPort = port
	s.replyOK("outbound port set")
	return nil
}

func (s *commandSession) handleInhost(operand string) error {
	if operand == "" {
		return oops.Errorf("host required")
	}
	s.inHost = operand
	s.replyOK("inhost set")
	return nil
}

func (s *commandSession) handleInport(operand string) error {
	port, err := strconv.Atoi(operand)
	if err != nil || port <= 0 || port > 65535 {
		return oops.Errorf("bad port %s", operand)
	}
	s.inPort = port
	s.replyOK("inbound port set")
	return nil
}

// handleStart instantiates the configured tunnel under the current
// nickname: outhost+outport make a server tunnel on this session's
// keys, inport makes a client tunnel reading its destination from each
// connection.
func (s *commandSession) handleStart(operand string) error {
	if s.nickname == "" {
		return oops.Errorf("no nickname set")
	}
	s.owner.mutex.Lock()
	_, exists := s.owner.tunnels[s.nickname]
	s.owner.mutex.Unlock()
	if exists {
		return oops.Errorf("tunnel %s already started", s.nickname)
	}

	var tun i2ptunnel.Tunnel
	switch {
	case s.outHost != "" && s.outPort != 0:
		local := s.owner.destinations.CreateNewLocalDestination(s.keys, true)
		if local == nil {
			return oops.Errorf("destination exists")
		}
		tun = i2ptunnel.NewServerTunnel(s.outHost, s.outPort, local)
	case s.inPort != 0:
		local := s.owner.destinations.SharedLocalDestination()
		if s.keys != nil {
			if created := s.owner.destinations.CreateNewLocalDestination(s.keys, false); created != nil {
				local = created
			}
		}
		addr := fmt.Sprintf("%s:%d", s.inHost, s.inPort)
		tun = i2ptunnel.NewClientTunnel(addr, "", local, s.owner.db)
	default:
		return oops.Errorf("tunnel not configured")
	}

	if err := tun.Start(); err != nil {
		log.WithError(err).Warn("Failed to start tunnel")
		return oops.Errorf("failed to start tunnel")
	}
	s.owner.AddTunnel(s.nickname, tun)
	s.replyOK("tunnel " + s.nickname + " starting")
	return nil
}
