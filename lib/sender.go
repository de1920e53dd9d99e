package lib

import (
	goerrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

// Error kinds surfaced to the application. Normal packet loss never
// raises; only retry exhaustion, cancellation or peer-initiated close do.
var (
	ErrHandshakeFailure = goerrors.New("handshake failure: SYN not acknowledged within retry limit")
	ErrPeerUnreachable  = goerrors.New("peer unreachable: retransmission limit exceeded")
	ErrShutdownFailure  = goerrors.New("shutdown failure: FIN not acknowledged within retry limit")
	ErrLocalCancelled   = goerrors.New("operation cancelled locally")
)

// DialRUDP connects to a RUDP server: it performs the three-way handshake
// carrying the session key material in the SYN and returns an ESTABLISHED
// connection, or ErrHandshakeFailure once the SYN has been retransmitted
// MaxRetries times without a SYN-ACK.
func DialRUDP(host string, port int, cfg *config.Config) (*Connection, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	initPool(cfg)

	remoteAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errors.Wrap(err, "resolving server address")
	}
	sock, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing UDP")
	}

	params := &connectionParams{
		key:        fmt.Sprintf("%s->%s", sock.LocalAddr(), remoteAddr),
		isServer:   false,
		remoteAddr: remoteAddr,
		localAddr:  sock.LocalAddr().(*net.UDPAddr),
		sendFrame: func(frame []byte) error {
			_, err := sock.Write(frame)
			return err
		},
	}

	c := newConnection(params, cfg)
	c.sock = sock

	isn, err := GenerateISN()
	if err != nil {
		sock.Close()
		return nil, err
	}
	c.initialSeq = isn
	c.sndUna = isn
	c.sndNxt = isn

	var keyMaterial []byte
	if cfg.UseCrypto {
		keyMaterial, err = GenerateSessionKey()
		if err != nil {
			sock.Close()
			return nil, err
		}
		cipher, err := NewSessionCipher(keyMaterial)
		if err != nil {
			sock.Close()
			return nil, err
		}
		c.sessionKey = keyMaterial
		c.crypto = cipher
	}

	c.wg.Add(2)
	go c.clientReadLoop()
	go c.handleIncomingPackets()

	if err := c.connect(keyMaterial); err != nil {
		c.teardown()
		c.wg.Wait()
		return nil, err
	}
	return c, nil
}

// connect drives the client half of the handshake: SYN (with key
// material), wait for SYN-ACK, answer with ACK.
func (c *Connection) connect(keyMaterial []byte) error {
	c.mutex.Lock()
	c.state = StateSynSent
	synPacket := NewRudpPacket(c.initialSeq, 0, SYNFlag, keyMaterial, c)
	c.sndNxt = SeqIncrement(c.sndNxt) // SYN consumes one slot
	rto := c.rtoLocked()
	c.mutex.Unlock()

	deadline := time.NewTimer(time.Duration(c.config.OpTimeoutMs) * time.Millisecond)
	defer deadline.Stop()

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		c.mutex.Lock()
		c.sendPacketLocked(synPacket)
		c.mutex.Unlock()
		log.WithFields(log.Fields{"conn": c.params.key, "attempt": attempt}).Debug("SYN sent")

		retry := time.NewTimer(rto)
		select {
		case <-c.handshakeDone:
			retry.Stop()
			c.mutex.Lock()
			// ACK completes the handshake; ack field carries ISN_s+1
			ackPacket := NewRudpPacket(c.sndNxt, c.rcvNxt, ACKFlag, nil, c)
			c.sndUna = c.sndNxt
			c.sendPacketLocked(ackPacket)
			c.mutex.Unlock()
			synPacket.ReturnChunk()
			log.WithFields(log.Fields{"conn": c.params.key}).Info("connection established")
			return nil
		case <-retry.C:
			rto *= 2
			maxRto := time.Duration(c.config.MaxRtoMs) * time.Millisecond
			if rto > maxRto {
				rto = maxRto
			}
		case <-deadline.C:
			retry.Stop()
			synPacket.ReturnChunk()
			return errors.Wrap(ErrLocalCancelled, "connect deadline exceeded")
		case <-c.closeSignal:
			retry.Stop()
			synPacket.ReturnChunk()
			return ErrLocalCancelled
		}
	}
	synPacket.ReturnChunk()
	return errors.Wrapf(ErrHandshakeFailure, "connect %s", c.params.remoteAddr)
}

// clientReadLoop blocks on the connected socket and feeds decoded segments
// to the dispatcher. Malformed datagrams are counted and dropped silently.
func (c *Connection) clientReadLoop() {
	defer c.wg.Done()

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}

		c.sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := c.sock.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.mutex.Lock()
			closed := c.isClosed
			c.mutex.Unlock()
			if closed {
				return
			}
			log.Println("Connection.clientReadLoop: error reading:", err)
			continue
		}

		packet := &RudpPacket{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			c.mutex.Lock()
			c.metrics.InvalidSegments++
			c.mutex.Unlock()
			continue
		}

		select {
		case c.inputChannel <- packet:
		case <-c.closeSignal:
			return
		}
	}
}

// handleIncomingPackets is the client's network-reader task: it serializes
// every inbound segment against the connection state.
func (c *Connection) handleIncomingPackets() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case packet := <-c.inputChannel:
			c.mutex.Lock()
			switch {
			case packet.Flags == SYNFlag|ACKFlag:
				c.handleSynAckLocked(packet)
			case packet.Flags&ACKFlag != 0:
				c.processAckLocked(packet)
			}
			c.mutex.Unlock()
		}
	}
}

func (c *Connection) handleSynAckLocked(packet *RudpPacket) {
	switch c.state {
	case StateSynSent:
		if packet.AcknowledgmentNum != SeqIncrement(c.initialSeq) {
			log.WithFields(log.Fields{"conn": c.params.key, "ack": packet.AcknowledgmentNum}).Warn("SYN-ACK with unexpected ack; ignored")
			return
		}
		c.rcvNxt = SeqIncrement(packet.SequenceNumber)
		c.peerRwnd = packet.WindowSize
		c.state = StateEstablished
		close(c.handshakeDone)
	case StateEstablished, StateFinSent:
		// our final ACK was lost; repeat it
		ackPacket := NewRudpPacket(c.sndNxt, c.rcvNxt, ACKFlag, nil, c)
		c.sendPacketLocked(ackPacket)
	}
}

// Send enqueues data for reliable in-order delivery and blocks until every
// byte has been acknowledged, the retry limit trips, or the operation is
// cancelled. Sequence numbers advance by payload length: they count bytes.
func (c *Connection) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	c.mutex.Lock()
	if c.state != StateEstablished {
		c.mutex.Unlock()
		return errors.Wrap(ErrLocalCancelled, "send on non-established connection")
	}
	end := SeqIncrementBy(c.sndNxt, uint32(len(data)))
	c.mutex.Unlock()

	deadline := time.NewTimer(time.Duration(c.config.OpTimeoutMs) * time.Millisecond)
	defer deadline.Stop()
	retransmitTimer := time.NewTimer(time.Hour)
	retransmitTimer.Stop()
	defer retransmitTimer.Stop()

	offset := 0
	for {
		c.mutex.Lock()
		// inject new segments while the window allows
		for offset < len(data) && c.canInjectLocked() {
			chunkEnd := offset + c.config.PayloadSize
			if chunkEnd > len(data) {
				chunkEnd = len(data)
			}
			plain := data[offset:chunkEnd]
			envelope, err := c.crypto.Seal(plain)
			if err != nil {
				c.mutex.Unlock()
				return errors.Wrap(err, "sealing payload")
			}
			packet := NewRudpPacket(c.sndNxt, c.rcvNxt, DATAFlag|ACKFlag, envelope, c)
			if packet == nil {
				c.mutex.Unlock()
				return errors.New("payload pool exhausted")
			}
			c.resendPackets.AddSentPacket(packet, len(plain))
			c.sndNxt = SeqIncrementBy(c.sndNxt, uint32(len(plain)))
			c.sendPacketLocked(packet)
			offset = chunkEnd
		}

		// zero-window probing: one empty DATA segment per RTO keeps the
		// peer's advertisements flowing without consuming sequence space
		if c.peerRwnd == 0 && c.resendPackets.Len() == 0 && offset < len(data) {
			probe := NewRudpPacket(c.sndNxt, c.rcvNxt, DATAFlag|ACKFlag, nil, c)
			c.sendPacketLocked(probe)
			log.WithFields(log.Fields{"conn": c.params.key}).Debug("zero-window probe sent")
		}

		done := offset >= len(data) && c.sndUna == end
		outstanding := c.resendPackets.Len()
		rto := c.rtoLocked()
		c.mutex.Unlock()

		if done {
			return nil
		}

		resetTimer(retransmitTimer, rto)
		select {
		case <-c.ackEvent:
			// window moved or duplicate ACKs arrived; re-evaluate
		case <-retransmitTimer.C:
			if outstanding == 0 {
				continue // probe pacing only
			}
			if err := c.onRetransmissionTimeout(); err != nil {
				return err
			}
		case <-deadline.C:
			c.teardown()
			return errors.Wrap(ErrLocalCancelled, "send deadline exceeded")
		case <-c.closeSignal:
			return ErrLocalCancelled
		}
	}
}

// onRetransmissionTimeout fires when the single retransmission timer for
// snd_una expires: resend that one segment, back off the RTO, collapse the
// congestion window, and give up with ErrPeerUnreachable once the
// segment's retry counter passes the limit.
func (c *Connection) onRetransmissionTimeout() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	info, ok := c.resendPackets.GetSentPacket(c.sndUna)
	if !ok {
		return nil // freed by an ACK that raced the timer
	}
	if c.peerRwnd == 0 {
		// zero-window regime: probe instead of charging the segment's
		// retry budget; the peer is alive, just not draining
		probe := NewRudpPacket(c.sndNxt, c.rcvNxt, DATAFlag|ACKFlag, nil, c)
		c.sendPacketLocked(probe)
		return nil
	}
	if info.ResendCount > c.config.MaxRetries {
		log.WithFields(log.Fields{"conn": c.params.key, "seq": c.sndUna}).Error("retransmission limit exceeded")
		go c.teardown()
		return errors.Wrapf(ErrPeerUnreachable, "segment %d", c.sndUna)
	}

	c.metrics.Timeouts++
	c.onTimeoutLocked()
	c.retransmitLocked(c.sndUna)
	log.WithFields(log.Fields{"conn": c.params.key, "seq": c.sndUna, "rtoMs": int(c.rtoMs)}).Debug("retransmission timeout")
	return nil
}

// Close initiates the FIN exchange once all data is acknowledged and tears
// the connection down. The FIN consumes one sequence slot, like SYN.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.state != StateEstablished {
		c.mutex.Unlock()
		c.teardown()
		c.wg.Wait()
		return nil
	}
	finSeq := c.sndNxt
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.state = StateFinSent
	finAcked := SeqIncrement(finSeq)
	finPacket := NewRudpPacket(finSeq, c.rcvNxt, FINFlag|ACKFlag, nil, c)
	rto := c.rtoLocked()
	c.mutex.Unlock()

	deadline := time.NewTimer(time.Duration(c.config.OpTimeoutMs) * time.Millisecond)
	defer deadline.Stop()

	var closeErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		c.mutex.Lock()
		c.sendPacketLocked(finPacket)
		c.mutex.Unlock()
		log.WithFields(log.Fields{"conn": c.params.key, "seq": finSeq, "attempt": attempt}).Debug("FIN sent")

		retry := time.NewTimer(rto)
	waiting:
		for {
			select {
			case <-c.ackEvent:
				c.mutex.Lock()
				acked := isGreaterOrEqual(c.sndUna, finAcked)
				c.mutex.Unlock()
				if acked {
					retry.Stop()
					log.WithFields(log.Fields{"conn": c.params.key}).Info("connection closed")
					c.teardown()
					c.wg.Wait()
					return nil
				}
			case <-retry.C:
				rto *= 2
				maxRto := time.Duration(c.config.MaxRtoMs) * time.Millisecond
				if rto > maxRto {
					rto = maxRto
				}
				break waiting
			case <-deadline.C:
				retry.Stop()
				c.teardown()
				c.wg.Wait()
				return errors.Wrap(ErrLocalCancelled, "close deadline exceeded")
			case <-c.closeSignal:
				retry.Stop()
				c.wg.Wait()
				return ErrLocalCancelled
			}
		}
	}

	closeErr = errors.Wrapf(ErrShutdownFailure, "close %s", c.params.remoteAddr)
	c.teardown()
	c.wg.Wait()
	return closeErr
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
