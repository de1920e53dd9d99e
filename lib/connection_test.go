package lib

import (
	"testing"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

func TestIsGreater(t *testing.T) {
	// Test cases comparing two sequence numbers, with and without wraparound
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},  // Direct comparison
		{seq1: 5, seq2: 10, expected: false}, // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestRttEstimator(t *testing.T) {
	c := testConnection(nil)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.updateRttLocked(100 * time.Millisecond)
	if c.srttMs != 100 {
		t.Errorf("first sample: srtt %f, want 100", c.srttMs)
	}
	if c.rttvarMs != 50 {
		t.Errorf("first sample: rttvar %f, want 50", c.rttvarMs)
	}
	// srtt + 4*rttvar = 300ms
	if c.rtoMs != 300 {
		t.Errorf("first sample: rto %f, want 300", c.rtoMs)
	}

	// srtt <- 7/8*100 + 1/8*200 = 112.5; rttvar <- 3/4*50 + 1/4*100 = 62.5
	c.updateRttLocked(200 * time.Millisecond)
	if c.srttMs != 112.5 {
		t.Errorf("second sample: srtt %f, want 112.5", c.srttMs)
	}
	if c.rttvarMs != 62.5 {
		t.Errorf("second sample: rttvar %f, want 62.5", c.rttvarMs)
	}

	// tiny samples clamp the RTO to the lower bound
	for i := 0; i < 50; i++ {
		c.updateRttLocked(time.Millisecond)
	}
	if c.rtoMs != float64(c.config.MinRtoMs) {
		t.Errorf("rto %f, want clamp to %d", c.rtoMs, c.config.MinRtoMs)
	}
}

func TestRenoSlowStartAndCongestionAvoidance(t *testing.T) {
	c := testConnection(nil)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.ssthresh = 4
	if c.cwnd != 1 {
		t.Fatalf("initial cwnd %f, want 1", c.cwnd)
	}

	// Slow Start: +1 segment per ACK up to ssthresh
	c.onNewAckLocked()
	c.onNewAckLocked()
	c.onNewAckLocked()
	if c.cwnd != 4 {
		t.Errorf("slow start cwnd %f, want 4", c.cwnd)
	}

	// Congestion Avoidance: +1/floor(cwnd) per ACK, one segment per RTT
	for i := 0; i < 4; i++ {
		c.onNewAckLocked()
	}
	if c.cwnd != 5 {
		t.Errorf("congestion avoidance cwnd %f, want 5", c.cwnd)
	}
}

func TestRenoFastRetransmitCollapse(t *testing.T) {
	c := testConnection(nil)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cwnd = 17
	c.onFastRetransmitLocked()
	if c.ssthresh != 8 || c.cwnd != 8 {
		t.Errorf("after triple dup-ACK: cwnd %f ssthresh %f, want 8 and 8", c.cwnd, c.ssthresh)
	}

	// invariant: ssthresh never below 2
	c.cwnd = 1.5
	c.onFastRetransmitLocked()
	if c.ssthresh != 2 {
		t.Errorf("ssthresh %f, want floor of 2", c.ssthresh)
	}
}

func TestRenoTimeoutCollapse(t *testing.T) {
	c := testConnection(nil)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cwnd = 20
	rtoBefore := c.rtoMs
	c.onTimeoutLocked()
	if c.ssthresh != 10 {
		t.Errorf("ssthresh %f, want 10", c.ssthresh)
	}
	if c.cwnd != 1 {
		t.Errorf("cwnd %f, want collapse to 1", c.cwnd)
	}
	if c.rtoMs != rtoBefore*2 {
		t.Errorf("rto %f, want doubled %f", c.rtoMs, rtoBefore*2)
	}

	// the backoff is capped
	c.rtoMs = float64(c.config.MaxRtoMs)
	c.onTimeoutLocked()
	if c.rtoMs != float64(c.config.MaxRtoMs) {
		t.Errorf("rto %f exceeded cap %d", c.rtoMs, c.config.MaxRtoMs)
	}
}

func TestEffectiveWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	c := testConnection(cfg)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cwnd = 8
	c.peerRwnd = 4
	if got := c.effectiveWindowLocked(); got != 4 {
		t.Errorf("flow control must bound the window: got %d, want 4", got)
	}

	c.peerRwnd = 32
	if got := c.effectiveWindowLocked(); got != 8 {
		t.Errorf("congestion window must bound the window: got %d, want 8", got)
	}

	// with congestion control off, only the peer window paces transmission
	c.config.CongestionCtrl = false
	c.cwnd = 1
	if got := c.effectiveWindowLocked(); got != 32 {
		t.Errorf("cc off: got %d, want peer rwnd 32", got)
	}
	c.config.CongestionCtrl = true
}

func TestDuplicateAckIdempotence(t *testing.T) {
	c := testConnection(nil)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.state = StateEstablished
	c.sndUna = 1000
	c.sndNxt = 3048

	// two segments in flight
	p1 := NewRudpPacket(1000, 0, DATAFlag|ACKFlag, make([]byte, 1024), c)
	p2 := NewRudpPacket(2024, 0, DATAFlag|ACKFlag, make([]byte, 1024), c)
	c.resendPackets.AddSentPacket(p1, 1024)
	c.resendPackets.AddSentPacket(p2, 1024)

	ack := &RudpPacket{AcknowledgmentNum: 2024, Flags: ACKFlag, WindowSize: 64}
	c.processAckLocked(ack)
	if c.sndUna != 2024 {
		t.Fatalf("snd_una %d, want 2024", c.sndUna)
	}
	cwndAfterAdvance := c.cwnd

	// replaying the same cumulative ACK must never regress the window
	dup := &RudpPacket{AcknowledgmentNum: 2024, Flags: ACKFlag, WindowSize: 64}
	c.processAckLocked(dup)
	c.processAckLocked(dup)
	if c.sndUna != 2024 {
		t.Error("snd_una moved on a duplicate ACK")
	}
	if c.cwnd < cwndAfterAdvance {
		t.Error("window regressed below its value at advance time")
	}
	if c.dupAckCount != 2 {
		t.Errorf("dup ack count %d, want 2", c.dupAckCount)
	}
	if c.metrics.DupAcksReceived != 2 {
		t.Errorf("dup ack metric %d, want 2", c.metrics.DupAcksReceived)
	}

	// a stale ACK below snd_una carries no information
	stale := &RudpPacket{AcknowledgmentNum: 1000, Flags: ACKFlag, WindowSize: 64}
	c.processAckLocked(stale)
	if c.sndUna != 2024 || c.dupAckCount != 2 {
		t.Error("stale ACK mutated sender state")
	}
	c.resendPackets.Clear()
}

func TestTripleDupAckTriggersFastRetransmit(t *testing.T) {
	var sent [][]byte
	cfg := config.DefaultConfig()
	initPool(cfg)
	params := &connectionParams{
		key: "test",
		sendFrame: func(frame []byte) error {
			c := make([]byte, len(frame))
			copy(c, frame)
			sent = append(sent, c)
			return nil
		},
	}
	c := newConnection(params, cfg)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = StateEstablished
	c.sndUna = 500
	c.sndNxt = 1524
	c.cwnd = 10
	p := NewRudpPacket(500, 0, DATAFlag|ACKFlag, make([]byte, 1024), c)
	c.resendPackets.AddSentPacket(p, 1024)

	dup := &RudpPacket{AcknowledgmentNum: 500, Flags: ACKFlag, WindowSize: 64}
	c.processAckLocked(dup)
	c.processAckLocked(dup)
	if len(sent) != 0 {
		t.Fatal("retransmitted before the duplicate-ACK threshold")
	}
	c.processAckLocked(dup)
	if len(sent) != 1 {
		t.Fatalf("fast retransmit sent %d frames, want 1", len(sent))
	}
	decoded := &RudpPacket{}
	if err := decoded.Unmarshal(sent[0]); err != nil {
		t.Fatal("retransmitted frame does not decode:", err)
	}
	if decoded.SequenceNumber != 500 {
		t.Errorf("retransmitted seq %d, want snd_una 500", decoded.SequenceNumber)
	}
	if c.cwnd != 5 || c.ssthresh != 5 {
		t.Errorf("cwnd %f ssthresh %f, want 5 and 5", c.cwnd, c.ssthresh)
	}
	if c.metrics.Retransmissions != 1 {
		t.Errorf("retransmission metric %d, want 1", c.metrics.Retransmissions)
	}
	c.resendPackets.Clear()
}
