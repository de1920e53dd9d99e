package lib

import (
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

// Metrics are the per-connection counters the benchmark harness consumes.
type Metrics struct {
	BytesDelivered    uint64
	Retransmissions   uint64
	Timeouts          uint64
	DupAcksReceived   uint64
	DuplicatesDropped uint64
	InvalidSegments   uint64
	Elapsed           time.Duration
}

type connectionParams struct {
	key        string
	isServer   bool
	remoteAddr *net.UDPAddr
	localAddr  *net.UDPAddr

	// sendFrame writes one marshalled datagram towards the peer. The
	// client writes on its connected socket, the server through its
	// shared PacketConn.
	sendFrame func([]byte) error

	// connCloseSignal tells the owning server to drop the connection from
	// its map. nil on the client side.
	connCloseSignal chan *Connection
}

// Connection is the single shared record both logical tasks (network
// reader, timer/sender driver) mutate. Every read or write of the window,
// sequence or buffer variables happens under mutex; processing one segment
// or one timer event is the transaction unit.
type Connection struct {
	params *connectionParams
	config *config.Config

	mutex sync.Mutex
	state int

	// sender side
	initialSeq    uint32 // ISN, also the SYN/SYN-ACK slot number
	sndUna        uint32 // oldest unacknowledged sequence number
	sndNxt        uint32 // next sequence number to send
	cwnd          float64
	ssthresh      float64
	dupAckCount   int
	rtoMs         float64
	srttMs        float64
	rttvarMs      float64
	peerRwnd      uint16
	resendPackets *ResendPackets

	// receiver side
	rcvNxt       uint32
	oooPackets   map[uint32][]byte // plaintext payloads keyed by sequence number
	readChannel  chan []byte       // ordered plaintext towards the application
	readLeftover []byte            // only touched by the application reader
	eofSent      bool

	crypto     CryptoContext
	sessionKey []byte

	metrics   Metrics
	startTime time.Time

	sock *net.UDPConn // client side only; the server shares one PacketConn

	inputChannel      chan *RudpPacket
	ackEvent          chan struct{}     // edge trigger for the sender driver
	acceptNotify      chan *Connection  // server side: announce ESTABLISHED to Accept
	handshakeDone     chan struct{}
	connSignalTimer   *time.Timer // SYN-ACK retransmission, server side
	connSignalRetries int
	closeSignal       chan struct{}
	closeOnce         sync.Once
	isClosed          bool
	wg                sync.WaitGroup
}

func newConnection(params *connectionParams, cfg *config.Config) *Connection {
	return &Connection{
		params:        params,
		config:        cfg,
		state:         StateClosed,
		cwnd:          float64(cfg.InitialCwnd),
		ssthresh:      float64(cfg.InitialSsthresh),
		rtoMs:         float64(cfg.InitialRtoMs),
		peerRwnd:      uint16(cfg.RwndMax),
		resendPackets: NewResendPackets(),
		oooPackets:    make(map[uint32][]byte),
		readChannel:   make(chan []byte, cfg.RwndMax),
		crypto:        PlainContext{},
		startTime:     time.Now(),
		inputChannel:  make(chan *RudpPacket),
		ackEvent:      make(chan struct{}, 1),
		handshakeDone: make(chan struct{}),
		closeSignal:   make(chan struct{}),
	}
}

// RemoteAddr returns the peer's UDP address.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.params.remoteAddr
}

// Metrics returns a snapshot of the connection counters.
func (c *Connection) Metrics() Metrics {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	m := c.metrics
	m.Elapsed = time.Since(c.startTime)
	return m
}

// localWindowSize computes the rwnd advertisement: the configured maximum
// minus segments parked in the out-of-order buffer and segments delivered
// but not yet drained by the application.
func (c *Connection) localWindowSize() uint16 {
	wnd := c.config.RwndMax - len(c.oooPackets) - len(c.readChannel)
	if wnd < 0 {
		wnd = 0
	}
	return uint16(wnd)
}

// effectiveWindowLocked is the transmission bound in segments. With
// congestion control disabled the peer window alone paces the sender; the
// toggle never bypasses flow control.
func (c *Connection) effectiveWindowLocked() int {
	if !c.config.CongestionCtrl {
		return int(c.peerRwnd)
	}
	cwnd := int(c.cwnd)
	if cwnd < int(c.peerRwnd) {
		return cwnd
	}
	return int(c.peerRwnd)
}

func (c *Connection) canInjectLocked() bool {
	return c.peerRwnd > 0 && c.resendPackets.Len() < c.effectiveWindowLocked()
}

func (c *Connection) rtoLocked() time.Duration {
	return time.Duration(c.rtoMs) * time.Millisecond
}

// updateRttLocked runs the smoothed-RTT recursion on a sample and derives
// the new RTO, clamped to the configured bounds. Samples come only from
// segments that were never retransmitted (Karn's algorithm).
func (c *Connection) updateRttLocked(sample time.Duration) {
	sampleMs := float64(sample) / float64(time.Millisecond)
	if c.srttMs == 0 {
		c.srttMs = sampleMs
		c.rttvarMs = sampleMs / 2
	} else {
		delta := sampleMs - c.srttMs
		if delta < 0 {
			delta = -delta
		}
		c.rttvarMs = 0.75*c.rttvarMs + 0.25*delta
		c.srttMs = 0.875*c.srttMs + 0.125*sampleMs
	}
	c.rtoMs = c.srttMs + 4*c.rttvarMs
	c.clampRtoLocked()
}

func (c *Connection) clampRtoLocked() {
	if c.rtoMs < float64(c.config.MinRtoMs) {
		c.rtoMs = float64(c.config.MinRtoMs)
	}
	if c.rtoMs > float64(c.config.MaxRtoMs) {
		c.rtoMs = float64(c.config.MaxRtoMs)
	}
}

// onNewAckLocked grows the congestion window for one new cumulative ACK:
// Slow Start below ssthresh, Congestion Avoidance above it.
func (c *Connection) onNewAckLocked() {
	if !c.config.CongestionCtrl {
		return
	}
	if c.cwnd < c.ssthresh {
		c.cwnd++
	} else {
		c.cwnd += 1 / math.Floor(c.cwnd)
	}
}

// onFastRetransmitLocked collapses the window for a triple duplicate ACK.
func (c *Connection) onFastRetransmitLocked() {
	if !c.config.CongestionCtrl {
		return
	}
	c.ssthresh = math.Max(math.Floor(c.cwnd/2), 2)
	c.cwnd = c.ssthresh
}

// onTimeoutLocked collapses to Slow Start and backs the RTO off.
func (c *Connection) onTimeoutLocked() {
	if c.config.CongestionCtrl {
		c.ssthresh = math.Max(math.Floor(c.cwnd/2), 2)
		c.cwnd = 1
	}
	c.rtoMs *= 2
	c.clampRtoLocked()
}

// sendPacketLocked marshals and writes one packet towards the peer.
func (c *Connection) sendPacketLocked(packet *RudpPacket) {
	buffer := make([]byte, RudpHeaderLength+len(packet.Payload))
	n, err := packet.Marshal(buffer)
	if err != nil {
		log.Println("Error marshalling packet:", err)
		return
	}
	if err := c.params.sendFrame(buffer[:n]); err != nil {
		log.Println("Error writing packet:", err, "Skip this packet.")
	}
}

// processAckLocked reacts to the acknowledgment fields of any incoming
// segment: cumulative advance, duplicate-ACK counting with fast
// retransmit, and the peer window latch. Idempotent under reordering
// because cumulative ACKs are monotone.
func (c *Connection) processAckLocked(packet *RudpPacket) {
	ack := packet.AcknowledgmentNum
	wasZero := c.peerRwnd == 0
	c.peerRwnd = packet.WindowSize // latched from every incoming ACK
	if wasZero && c.peerRwnd > 0 {
		c.signalAckEvent() // window reopened; wake the sender promptly
	}

	switch {
	case isGreater(ack, c.sndUna):
		_, sampleOk, sentAt := c.resendPackets.AckUpTo(ack)
		c.sndUna = ack
		c.dupAckCount = 0
		if sampleOk {
			c.updateRttLocked(time.Since(sentAt))
		}
		c.onNewAckLocked()
		c.signalAckEvent()
	case ack == c.sndUna && len(packet.Payload) == 0 && c.resendPackets.Len() > 0:
		c.metrics.DupAcksReceived++
		c.dupAckCount++
		if c.dupAckCount == c.config.DupAckThreshold {
			log.WithFields(log.Fields{"conn": c.params.key, "seq": c.sndUna}).Debug("fast retransmit")
			c.onFastRetransmitLocked()
			c.retransmitLocked(c.sndUna)
		}
		c.signalAckEvent()
	default:
		// ack below snd_una carries no information; ignore
	}
}

// retransmitLocked resends the single segment at seq from the resend
// buffer and returns its new resend count.
func (c *Connection) retransmitLocked(seq uint32) int {
	info, ok := c.resendPackets.GetSentPacket(seq)
	if !ok {
		return 0
	}
	count, err := c.resendPackets.MarkResent(seq)
	if err != nil {
		return 0
	}
	c.metrics.Retransmissions++
	// refresh the cumulative ACK the segment carries
	info.Data.AcknowledgmentNum = c.rcvNxt
	info.Data.WindowSize = c.localWindowSize()
	c.sendPacketLocked(info.Data)
	return count
}

func (c *Connection) signalAckEvent() {
	select {
	case c.ackEvent <- struct{}{}:
	default:
	}
}

// teardown transitions the connection to CLOSED exactly once, releases
// buffered resources and wakes every waiter.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.state = StateClosed
		c.isClosed = true
		if c.connSignalTimer != nil {
			c.connSignalTimer.Stop()
			c.connSignalTimer = nil
		}
		if !c.eofSent {
			c.eofSent = true
			close(c.readChannel)
		}
		c.resendPackets.Clear()
		c.mutex.Unlock()

		close(c.closeSignal)

		if c.sock != nil {
			c.sock.Close()
		}

		if c.params.connCloseSignal != nil {
			select {
			case c.params.connCloseSignal <- c:
			default: // owner already gone
			}
		}
	})
}

// Abort cancels the connection cooperatively. Any blocked connect, send,
// read or close observes ErrLocalCancelled or end-of-stream.
func (c *Connection) Abort() {
	c.teardown()
}
