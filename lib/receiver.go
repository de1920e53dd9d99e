package lib

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// serverHandleIncomingPackets is the per-connection dispatch loop on the
// accepting side. It owns the handshake completion, the data plane and the
// FIN exchange for one peer.
func (c *Connection) serverHandleIncomingPackets() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case packet := <-c.inputChannel:
			c.mutex.Lock()
			switch {
			case packet.Flags == SYNFlag:
				// duplicate SYN: our SYN-ACK was lost
				c.sendSynAckLocked()
			case packet.Flags&DATAFlag != 0:
				if c.state == StateSynReceived {
					// the terminating ACK was lost but data proves it
					c.establishLocked()
				}
				c.handleDataPacketLocked(packet)
			case packet.Flags == FINFlag|ACKFlag:
				c.handleFinLocked(packet)
			case packet.Flags == ACKFlag:
				if c.state == StateSynReceived && packet.AcknowledgmentNum == SeqIncrement(c.initialSeq) {
					c.establishLocked()
				}
			}
			c.mutex.Unlock()
		}
	}
}

// sendSynAckLocked (re)sends the SYN-ACK: our ISN, cumulative ack of the
// client's SYN slot, and the initial window advertisement. No key material
// is echoed.
func (c *Connection) sendSynAckLocked() {
	synAck := NewRudpPacket(c.initialSeq, c.rcvNxt, SYNFlag|ACKFlag, nil, c)
	c.sendPacketLocked(synAck)
}

// startConnSignalTimer retransmits the SYN-ACK until the terminating ACK
// arrives, giving up after the retry limit.
func (c *Connection) startConnSignalTimer() {
	rto := c.rtoLocked()
	c.connSignalTimer = time.AfterFunc(rto, func() {
		c.mutex.Lock()
		if c.state != StateSynReceived {
			c.mutex.Unlock()
			return
		}
		c.connSignalRetries++
		if c.connSignalRetries > c.config.MaxRetries {
			c.mutex.Unlock()
			log.WithFields(log.Fields{"conn": c.params.key}).Error("handshake abandoned: no ACK for SYN-ACK")
			c.teardown()
			return
		}
		c.sendSynAckLocked()
		c.mutex.Unlock()
		c.startConnSignalTimer()
	})
}

// establishLocked completes the server half of the handshake.
func (c *Connection) establishLocked() {
	if c.connSignalTimer != nil {
		c.connSignalTimer.Stop()
		c.connSignalTimer = nil
	}
	c.state = StateEstablished
	c.sndUna = SeqIncrement(c.initialSeq)
	c.sndNxt = c.sndUna
	log.WithFields(log.Fields{"conn": c.params.key}).Info("connection established")
	if c.acceptNotify != nil {
		select {
		case c.acceptNotify <- c:
		default:
			log.Println("Accept backlog full; connection", c.params.key, "dropped from accept queue")
		}
		c.acceptNotify = nil
	}
}

// handleDataPacketLocked implements the receiver data plane: authenticate,
// deliver in order or park out of order, and always answer with the
// cumulative ACK and the current window. Duplicate ACKs are deliberate;
// they drive fast retransmit at the sender.
func (c *Connection) handleDataPacketLocked(packet *RudpPacket) {
	var plaintext []byte
	if len(packet.Payload) > 0 {
		var err error
		plaintext, err = c.crypto.Open(packet.Payload)
		if err != nil {
			// indistinguishable from a checksum failure: drop silently
			c.metrics.InvalidSegments++
			return
		}
	}

	seq := packet.SequenceNumber
	length := uint32(len(plaintext))

	switch {
	case length == 0:
		// zero-window probe or bare keepalive; just re-advertise
	case seq == c.rcvNxt:
		if !c.deliverLocked(plaintext) {
			// application is not draining; hold our ground at rcv_nxt
			break
		}
		c.rcvNxt = SeqIncrementBy(c.rcvNxt, length)
		c.drainOutOfOrderLocked()
	case isGreater(seq, c.rcvNxt):
		if seqDistance(c.rcvNxt, seq) >= uint32(c.config.RwndMax)*uint32(c.config.PayloadSize) {
			// beyond the window; never buffered
			break
		}
		if _, dup := c.oooPackets[seq]; dup {
			c.metrics.DuplicatesDropped++
			break
		}
		if len(c.oooPackets) >= c.config.RwndMax {
			// buffer exhausted: the shrunken advertisement does the talking
			break
		}
		c.oooPackets[seq] = plaintext
	default: // seq < rcv_nxt: already delivered
		c.metrics.DuplicatesDropped++
	}

	c.sendAckLocked()
}

// deliverLocked hands one in-order plaintext payload to the application
// queue. Returns false when the queue is full.
func (c *Connection) deliverLocked(plaintext []byte) bool {
	if c.eofSent {
		return false
	}
	select {
	case c.readChannel <- plaintext:
		c.metrics.BytesDelivered += uint64(len(plaintext))
		return true
	default:
		return false
	}
}

// drainOutOfOrderLocked moves contiguous buffered segments into the
// delivery queue, advancing rcv_nxt as far as it can.
func (c *Connection) drainOutOfOrderLocked() {
	for {
		plaintext, ok := c.oooPackets[c.rcvNxt]
		if !ok {
			return
		}
		if !c.deliverLocked(plaintext) {
			return
		}
		delete(c.oooPackets, c.rcvNxt)
		c.rcvNxt = SeqIncrementBy(c.rcvNxt, uint32(len(plaintext)))
	}
}

func (c *Connection) sendAckLocked() {
	ackPacket := NewRudpPacket(c.sndNxt, c.rcvNxt, ACKFlag, nil, c)
	c.sendPacketLocked(ackPacket)
}

// handleFinLocked answers an in-sequence FIN, signals end-of-stream to the
// application after a short drain interval, and tears the connection down.
func (c *Connection) handleFinLocked(packet *RudpPacket) {
	if c.state == StateClosedWait {
		// duplicate FIN: our ACK was lost; rcv_nxt already covers the slot
		c.sendAckLocked()
		return
	}
	if packet.SequenceNumber != c.rcvNxt {
		// data is still missing ahead of the FIN; our cumulative ACK
		// tells the sender what to retransmit
		c.sendAckLocked()
		return
	}

	// the FIN consumes one sequence slot, like SYN
	c.rcvNxt = SeqIncrement(c.rcvNxt)
	c.sendAckLocked()
	c.state = StateClosedWait
	log.WithFields(log.Fields{
		"conn":            c.params.key,
		"bytesDelivered":  c.metrics.BytesDelivered,
		"dupsDropped":     c.metrics.DuplicatesDropped,
		"invalidSegments": c.metrics.InvalidSegments,
	}).Info("FIN received; connection draining")

	time.AfterFunc(time.Duration(c.config.DrainIntervalMs)*time.Millisecond, c.teardown)
}

// Read returns the delivered byte stream in strict order. It blocks until
// data arrives and reports io.EOF once the peer's FIN has drained.
// Only one reader goroutine may call Read.
func (c *Connection) Read(p []byte) (int, error) {
	if len(c.readLeftover) > 0 {
		n := copy(p, c.readLeftover)
		c.readLeftover = c.readLeftover[n:]
		return n, nil
	}

	chunk, ok := <-c.readChannel
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		c.readLeftover = chunk[n:]
	}
	return n, nil
}
