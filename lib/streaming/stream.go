package streaming

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/common/lease_set"
	"github.com/go-i2p/go-i2pd/lib/garlic"
	"github.com/go-i2p/go-i2pd/lib/i2np"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var (
	// ErrStreamReset is delivered to a read waiting on a closed stream.
	ErrStreamReset = oops.Errorf("stream reset")
	// ErrTimeout is delivered when a timed read expires; the read may
	// still have returned bytes accumulated before the deadline.
	ErrTimeout = oops.Errorf("stream receive timed out")
)

// Stream is one reliable ordered byte conversation. All fields are owned
// by the destinations loop; public entry points post themselves there.
type Stream struct {
	local *Destination

	sendStreamID   uint32
	recvStreamID   uint32
	sequenceNumber uint32
	lastReceived   int64 // highest in-order sequence applied, -1 initially

	isOpen          bool
	leaseSetUpdated bool

	remoteIdentity *identity.Identity
	remoteLeaseSet *lease_set.LeaseSet
	routingSession garlic.Session

	currentRemoteLease    lease_set.Lease
	currentOutboundTunnel tunnel.OutboundTunnel

	receiveQueue []*Packet // in-order payloads awaiting the consumer
	savedPackets []*Packet // out-of-order arrivals, ascending seq
	sentPackets  []*Packet // sent but unacked, ascending seq

	resendTimer *time.Timer
	resendGen   int

	pendingRead *pendingRead
}

type pendingRead struct {
	buf     []byte
	handler func(int, error)
	timer   *time.Timer
}

func newStream(local *Destination, remote *lease_set.LeaseSet) *Stream {
	s := &Stream{
		local:           local,
		lastReceived:    -1,
		leaseSetUpdated: true,
		remoteLeaseSet:  remote,
	}
	s.recvStreamID = randomStreamID()
	if remote != nil {
		s.remoteIdentity = remote.Identity()
		s.updateCurrentRemoteLease()
	}
	return s
}

func randomStreamID() uint32 {
	for {
		var buf [4]byte
		rand.Read(buf[:])
		if id := binary.BigEndian.Uint32(buf[:]); id != 0 {
			return id
		}
	}
}

func (s *Stream) RecvStreamID() uint32               { return s.recvStreamID }
func (s *Stream) RemoteIdentity() *identity.Identity { return s.remoteIdentity }
func (s *Stream) LocalDestination() *Destination     { return s.local }

// IsEstablished reports whether the peer's stream ID has been learned.
func (s *Stream) IsEstablished() bool { return s.sendStreamID != 0 }

// SetLeaseSetUpdated makes the next outbound batch carry our LeaseSet.
func (s *Stream) SetLeaseSetUpdated() { s.leaseSetUpdated = true }

// handleNextPacket applies one received packet. Runs on the loop.
func (s *Stream) handleNextPacket(packet *Packet) {
	if s.sendStreamID == 0 {
		s.sendStreamID = packet.ReceiveStreamID()
	}

	if !packet.IsNoAck() {
		s.processAck(packet)
	}

	receivedSeqn := packet.Seqn()
	isSyn := packet.IsSYN()
	if receivedSeqn == 0 && !isSyn {
		log.Debug("Plain ACK received")
		return
	}

	log.WithField("seqn", receivedSeqn).Debug("Received packet")
	switch {
	case isSyn || int64(receivedSeqn) == s.lastReceived+1:
		// next in sequence
		s.processPacket(packet)
		// drain stored packets that became in-order
		for len(s.savedPackets) > 0 && int64(s.savedPackets[0].Seqn()) == s.lastReceived+1 {
			saved := s.savedPackets[0]
			s.savedPackets = s.savedPackets[1:]
			s.processPacket(saved)
		}
		// ack the last message
		if s.isOpen {
			s.sendQuickAck()
		} else if isSyn {
			// send SYN back to the incoming connection, also opens us
			s.send(nil)
		}
	case int64(receivedSeqn) <= s.lastReceived:
		// duplicate, most likely our outbound tunnel is dead
		log.WithField("seqn", receivedSeqn).Debug("Duplicate message received")
		s.currentOutboundTunnel = nil // pick another outbound tunnel
		s.updateCurrentRemoteLease()  // pick another lease
		s.sendQuickAck()              // resend ack for previous message again
	default:
		log.WithFields(logger.Fields{
			"from": s.lastReceived + 1,
			"to":   receivedSeqn - 1,
		}).Debug("Missing messages, saving out-of-order packet")
		s.savePacket(packet)
	}
}

func (s *Stream) savePacket(packet *Packet) {
	seqn := packet.Seqn()
	i := sort.Search(len(s.savedPackets), func(i int) bool {
		return s.savedPackets[i].Seqn() >= seqn
	})
	if i < len(s.savedPackets) && s.savedPackets[i].Seqn() == seqn {
		return // already buffered
	}
	s.savedPackets = append(s.savedPackets, nil)
	copy(s.savedPackets[i+1:], s.savedPackets[i:])
	s.savedPackets[i] = packet
}

// processPacket applies an in-order packet: options, signature check,
// payload delivery, close handling.
func (s *Stream) processPacket(packet *Packet) {
	receivedSeqn := packet.Seqn()
	flags := packet.Flags()
	log.WithFields(logger.Fields{
		"seqn":  receivedSeqn,
		"flags": flags,
	}).Debug("Process packet")

	offset := packet.OptionDataOffset()
	if flags&FlagDelayRequested != 0 {
		offset += 2
	}
	if flags&FlagFromIncluded != 0 {
		ident, n, err := identity.ReadIdentity(packet.Buf[offset:])
		if err != nil {
			log.WithError(err).Warn("Malformed FROM option")
			return
		}
		s.remoteIdentity = &ident
		offset += n
		log.WithField("from", ident.IdentHash().Base64()).Debug("From identity")
	}
	if flags&FlagMaxPacketSizeIncluded != 0 {
		maxPacketSize := binary.BigEndian.Uint16(packet.Buf[offset:])
		log.WithField("max_packet_size", maxPacketSize).Debug("Max packet size")
		offset += 2
	}
	if flags&FlagSignatureIncluded != 0 {
		if s.remoteIdentity == nil || !s.verifyPacketSignature(packet, offset) {
			log.Warn("Signature verification failed")
			s.closeInternal()
			flags |= FlagClose
		}
		if s.remoteIdentity != nil {
			offset += s.remoteIdentity.SignatureLen()
		}
	}

	packet.Offset = packet.PayloadOffset()
	if len(packet.Payload()) > 0 {
		s.receiveQueue = append(s.receiveQueue, packet)
		s.satisfyPendingRead()
	}

	s.lastReceived = int64(receivedSeqn)

	if flags&FlagClose != 0 {
		log.Debug("Stream closed by peer")
		s.sendQuickAck()
		s.closeInternal()
	}
}

// verifyPacketSignature zeroes the signature field in place, verifies
// over the whole packet, then restores the bytes.
func (s *Stream) verifyPacketSignature(packet *Packet, sigOffset int) bool {
	sigLen := s.remoteIdentity.SignatureLen()
	if len(packet.Buf) < sigOffset+sigLen {
		return false
	}
	signature := make([]byte, sigLen)
	copy(signature, packet.Buf[sigOffset:sigOffset+sigLen])
	for i := 0; i < sigLen; i++ {
		packet.Buf[sigOffset+i] = 0
	}
	ok := s.remoteIdentity.Verify(packet.Buf, signature)
	copy(packet.Buf[sigOffset:], signature)
	return ok
}

// processAck removes every sent packet acknowledged through ackThrough
// and not named in the NACK list.
func (s *Stream) processAck(packet *Packet) {
	ackThrough := packet.AckThrough()
	nackCount := packet.NACKCount()
	remaining := s.sentPackets[:0]
	for i, sent := range s.sentPackets {
		seqn := sent.Seqn()
		if seqn > ackThrough {
			remaining = append(remaining, s.sentPackets[i:]...)
			break
		}
		nacked := false
		for j := 0; j < nackCount; j++ {
			if packet.NACK(j) == seqn {
				nacked = true
				break
			}
		}
		if nacked {
			log.WithField("seqn", seqn).Debug("Packet NACKed")
			remaining = append(remaining, sent)
			continue
		}
		log.WithField("seqn", seqn).Debug("Packet acknowledged")
	}
	s.sentPackets = remaining
	if len(s.sentPackets) == 0 {
		s.cancelResend()
	}
}

// Send writes buf to the stream, fragmenting at the MTU. Safe to call
// from any goroutine; blocks until the packets are posted.
func (s *Stream) Send(buf []byte) (int, error) {
	done := make(chan struct{})
	var n int
	s.local.owner.Post(func() {
		n = s.send(buf)
		close(done)
	})
	<-done
	return n, nil
}

// send fragments and posts packets. Runs on the loop. The first packet
// of a stream carries SYN with our identity, MTU and a signature over
// the packet with the signature field zeroed.
func (s *Stream) send(buf []byte) int {
	sent := 0
	isNoAck := s.lastReceived < 0 // first packet
	for !s.isOpen || len(buf) > 0 {
		ackThrough := uint32(0)
		if !isNoAck {
			ackThrough = uint32(s.lastReceived)
		}
		w := newPacketWriter(s.sendStreamID, s.recvStreamID, s.sequenceNumber, ackThrough)
		s.sequenceNumber++
		var consumed int
		if !s.isOpen {
			// initial packet
			s.isOpen = true
			flags := FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded | FlagMaxPacketSizeIncluded
			if isNoAck {
				flags |= FlagNoAck
			}
			w.putUint16(flags)
			identBytes := s.local.keys.Identity.Bytes()
			signatureLen := s.local.keys.Identity.SignatureLen()
			w.putUint16(uint16(len(identBytes) + 2 + signatureLen)) // identity + packet size + signature
			w.putBytes(identBytes)
			w.putUint16(StreamingMTU)
			sigOffset := w.reserve(signatureLen) // zeroes for now
			consumed = appendPayload(w, buf)
			copy(w.buf[sigOffset:], s.local.keys.Sign(w.buf))
		} else {
			// follow on packet
			w.putUint16(0) // flags
			w.putUint16(0) // no options
			consumed = appendPayload(w, buf)
		}
		buf = buf[consumed:]
		sent += consumed
		s.sendPacket(w.packet())
	}
	return sent
}

func appendPayload(w *packetWriter, buf []byte) int {
	sentLen := StreamingMTU - len(w.buf)
	if len(buf) < sentLen {
		sentLen = len(buf)
	}
	w.putBytes(buf[:sentLen])
	return sentLen
}

// sendQuickAck emits a headers-only packet with seq 0.
func (s *Stream) sendQuickAck() {
	ackThrough := uint32(0)
	if s.lastReceived >= 0 {
		ackThrough = uint32(s.lastReceived)
	}
	w := newPacketWriter(s.sendStreamID, s.recvStreamID, 0, ackThrough)
	w.putUint16(0) // no flags
	w.putUint16(0) // no options
	s.sendPackets([]*Packet{w.packet()})
	log.Debug("Quick Ack sent")
}

// Close sends the final signed CLOSE packet and tears the stream down.
// Safe to call from any goroutine.
func (s *Stream) Close() {
	done := make(chan struct{})
	s.local.owner.Post(func() {
		s.close()
		close(done)
	})
	<-done
}

func (s *Stream) close() {
	if !s.isOpen {
		return
	}
	ackThrough := uint32(0)
	if s.lastReceived >= 0 {
		ackThrough = uint32(s.lastReceived)
	}
	w := newPacketWriter(s.sendStreamID, s.recvStreamID, s.sequenceNumber, ackThrough)
	s.sequenceNumber++
	w.putUint16(FlagClose | FlagSignatureIncluded)
	signatureLen := s.local.keys.Identity.SignatureLen()
	w.putUint16(uint16(signatureLen)) // signature only
	sigOffset := w.reserve(signatureLen)
	copy(w.buf[sigOffset:], s.local.keys.Sign(w.buf))
	s.sendPacket(w.packet())
	log.Debug("FIN sent")
	s.closeInternal()
}

// closeInternal tears down local state: timers cancelled, waiting read
// completed with whatever is buffered or a reset.
func (s *Stream) closeInternal() {
	s.isOpen = false
	s.cancelResend()
	if pr := s.pendingRead; pr != nil {
		s.pendingRead = nil
		pr.timer.Stop()
		if n := s.concatenatePackets(pr.buf); n > 0 {
			pr.handler(n, nil)
		} else {
			pr.handler(0, ErrStreamReset)
		}
	}
}

// sendPacket emits one tracked packet, arming the resend timer when the
// sent-set transitions to non-empty.
func (s *Stream) sendPacket(packet *Packet) {
	s.sendPackets([]*Packet{packet})
	wasEmpty := len(s.sentPackets) == 0
	seqn := packet.Seqn()
	i := sort.Search(len(s.sentPackets), func(i int) bool {
		return s.sentPackets[i].Seqn() >= seqn
	})
	s.sentPackets = append(s.sentPackets, nil)
	copy(s.sentPackets[i+1:], s.sentPackets[i:])
	s.sentPackets[i] = packet
	if wasEmpty {
		s.scheduleResend()
	}
}

// sendPackets wraps a batch as garlic datagrams and hands it to the
// current outbound tunnel toward the current remote lease. Failures are
// logged and dropped; retransmission retries.
func (s *Stream) sendPackets(packets []*Packet) {
	if s.remoteLeaseSet == nil {
		s.updateCurrentRemoteLease()
		if s.remoteLeaseSet == nil {
			log.Warn("Can't send packets. Missing remote LeaseSet")
			return
		}
	}

	var leaseSet *lease_set.LeaseSet
	if s.leaseSetUpdated {
		leaseSet = s.local.GetLeaseSet()
		s.leaseSetUpdated = false
	}

	if s.local.pool == nil {
		log.Warn("No tunnel pool for destination")
		return
	}
	s.currentOutboundTunnel = s.local.pool.NextOutboundTunnel(s.currentOutboundTunnel)
	if s.currentOutboundTunnel == nil {
		log.Warn("No outbound tunnels in the pool")
		return
	}

	ts := uint64(time.Now().UnixMilli())
	if ts >= s.currentRemoteLease.EndDate {
		s.updateCurrentRemoteLease()
	}
	if ts >= s.currentRemoteLease.EndDate {
		log.Warn("All leases are expired")
		return
	}

	var blocks []tunnel.MessageBlock
	for _, packet := range packets {
		msg, err := i2np.NewDataMessage(i2np.PROTOCOL_TYPE_STREAMING, 0, 0, packet.Buf)
		if err != nil {
			log.WithError(err).Error("Failed to build data message")
			continue
		}
		if s.routingSession != nil {
			msg = s.routingSession.WrapSingleMessage(msg, leaseSet)
		}
		leaseSet = nil // send leaseSet only one time
		blocks = append(blocks, tunnel.MessageBlock{
			DeliveryType: tunnel.DeliveryTypeTunnel,
			To:           s.currentRemoteLease.TunnelGateway,
			TunnelID:     s.currentRemoteLease.TunnelID,
			Message:      msg,
		})
	}
	if len(blocks) > 0 {
		s.currentOutboundTunnel.SendTunnelDataMsg(blocks)
	}
}

func (s *Stream) scheduleResend() {
	s.cancelResend()
	s.resendGen++
	gen := s.resendGen
	owner := s.local.owner
	s.resendTimer = time.AfterFunc(ResendTimeout, func() {
		owner.Post(func() {
			s.handleResendTimer(gen)
		})
	})
}

func (s *Stream) cancelResend() {
	if s.resendTimer != nil {
		s.resendTimer.Stop()
		s.resendTimer = nil
	}
	s.resendGen++
}

// handleResendTimer retries the whole sent-set through a different
// tunnel and lease, closing the stream once a packet exhausts its
// attempts.
func (s *Stream) handleResendTimer(gen int) {
	if gen != s.resendGen || len(s.sentPackets) == 0 {
		return
	}
	for _, packet := range s.sentPackets {
		packet.ResendAttempts++
		if packet.ResendAttempts > MaxNumResendAttempts {
			log.WithField("seqn", packet.Seqn()).Warn("Packet exceeded resend attempts, closing stream")
			s.closeInternal()
			return
		}
	}
	s.currentOutboundTunnel = nil // pick another outbound tunnel
	s.updateCurrentRemoteLease()  // pick another lease
	s.sendPackets(s.sentPackets)
	s.scheduleResend()
}

// updateCurrentRemoteLease refreshes the remote LeaseSet from NetDb when
// missing and picks a random non-expired lease.
func (s *Stream) updateCurrentRemoteLease() {
	if s.remoteLeaseSet == nil && s.remoteIdentity != nil && s.local.owner.netdb != nil {
		s.remoteLeaseSet = s.local.owner.netdb.FindLeaseSet(s.remoteIdentity.IdentHash())
		if s.remoteLeaseSet == nil {
			log.WithField("ident", s.remoteIdentity.IdentHash().Base64()).Debug("LeaseSet not found")
		}
	}
	if s.remoteLeaseSet == nil {
		s.currentRemoteLease.EndDate = 0
		return
	}
	if s.routingSession == nil && s.local.owner.garlic != nil {
		s.routingSession = s.local.owner.garlic.RoutingSession(s.remoteLeaseSet, 32)
	}
	leases := s.remoteLeaseSet.NonExpiredLeases(time.Now())
	if len(leases) == 0 {
		s.currentRemoteLease.EndDate = 0
		return
	}
	i, _ := rand.Int(rand.Reader, big.NewInt(int64(len(leases))))
	s.currentRemoteLease = leases[i.Int64()]
}

// AsyncReceive completes with bytes already buffered, or waits up to
// timeout for the next in-order payload. The handler runs on the loop.
func (s *Stream) AsyncReceive(buf []byte, handler func(int, error), timeout time.Duration) {
	s.local.owner.Post(func() {
		if len(s.receiveQueue) > 0 {
			if received := s.concatenatePackets(buf); received > 0 {
				handler(received, nil)
				return
			}
		}
		// a stream that has neither sent nor received yet is not closed,
		// only unopened: its read waits like any other
		if !s.isOpen && (s.sequenceNumber > 0 || s.lastReceived >= 0) {
			handler(0, ErrStreamReset)
			return
		}
		if s.pendingRead != nil {
			handler(0, oops.Errorf("receive already pending"))
			return
		}
		pr := &pendingRead{buf: buf, handler: handler}
		owner := s.local.owner
		pr.timer = time.AfterFunc(timeout, func() {
			owner.Post(func() {
				if s.pendingRead != pr {
					return
				}
				s.pendingRead = nil
				received := s.concatenatePackets(pr.buf)
				pr.handler(received, ErrTimeout)
			})
		})
		s.pendingRead = pr
	})
}

// Read blocks for AsyncReceive. A timeout with buffered bytes returns
// them without error.
func (s *Stream) Read(buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	s.AsyncReceive(buf, func(n int, err error) {
		ch <- result{n, err}
	}, timeout)
	r := <-ch
	if r.n > 0 && r.err == ErrTimeout {
		return r.n, nil
	}
	return r.n, r.err
}

// satisfyPendingRead hands freshly queued payload to a waiting read.
func (s *Stream) satisfyPendingRead() {
	pr := s.pendingRead
	if pr == nil {
		return
	}
	if n := s.concatenatePackets(pr.buf); n > 0 {
		s.pendingRead = nil
		pr.timer.Stop()
		pr.handler(n, nil)
	}
}

// concatenatePackets drains the receive queue into buf, consuming
// packets as their payload empties.
func (s *Stream) concatenatePackets(buf []byte) int {
	pos := 0
	for pos < len(buf) && len(s.receiveQueue) > 0 {
		packet := s.receiveQueue[0]
		payload := packet.Payload()
		l := len(payload)
		if l > len(buf)-pos {
			l = len(buf) - pos
		}
		copy(buf[pos:], payload[:l])
		pos += l
		packet.Offset += l
		if len(packet.Payload()) == 0 {
			s.receiveQueue = s.receiveQueue[1:]
		}
	}
	return pos
}
