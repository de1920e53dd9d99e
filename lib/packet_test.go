package lib

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

func testConnection(cfg *config.Config) *Connection {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	initPool(cfg)
	params := &connectionParams{
		key:       "test",
		sendFrame: func([]byte) error { return nil },
	}
	return newConnection(params, cfg)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	conn := testConnection(nil)

	testCases := []struct {
		name    string
		seq     uint32
		ack     uint32
		flags   uint16
		payload []byte
	}{
		{name: "syn with key", seq: 1000, ack: 0, flags: SYNFlag, payload: bytes.Repeat([]byte{0xAB}, SessionKeySize)},
		{name: "syn-ack", seq: 2000, ack: 1001, flags: SYNFlag | ACKFlag, payload: nil},
		{name: "pure ack", seq: 0, ack: 4242, flags: ACKFlag, payload: nil},
		{name: "data", seq: 1001, ack: 2001, flags: DATAFlag | ACKFlag, payload: []byte("hello, world")},
		{name: "fin", seq: 9999, ack: 2001, flags: FINFlag | ACKFlag, payload: nil},
	}

	for _, tc := range testCases {
		packet := NewRudpPacket(tc.seq, tc.ack, tc.flags, tc.payload, conn)
		buffer := make([]byte, MaxDatagramSize)
		n, err := packet.Marshal(buffer)
		if err != nil {
			t.Fatalf("%s: Marshal failed: %v", tc.name, err)
		}
		if n != RudpHeaderLength+len(tc.payload) {
			t.Errorf("%s: frame length %d, want %d", tc.name, n, RudpHeaderLength+len(tc.payload))
		}

		decoded := &RudpPacket{}
		if err := decoded.Unmarshal(buffer[:n]); err != nil {
			t.Fatalf("%s: Unmarshal failed: %v", tc.name, err)
		}
		if decoded.SequenceNumber != tc.seq || decoded.AcknowledgmentNum != tc.ack || decoded.Flags != tc.flags {
			t.Errorf("%s: header fields mismatch: got (%d, %d, %d)", tc.name, decoded.SequenceNumber, decoded.AcknowledgmentNum, decoded.Flags)
		}
		if !bytes.Equal(decoded.Payload, tc.payload) {
			t.Errorf("%s: payload mismatch", tc.name)
		}
		packet.ReturnChunk()
	}
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	conn := testConnection(nil)
	packet := NewRudpPacket(77, 88, DATAFlag|ACKFlag, []byte("payload bytes"), conn)
	defer packet.ReturnChunk()
	buffer := make([]byte, MaxDatagramSize)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatal("Marshal failed:", err)
	}
	frame := buffer[:n]

	corrupt := func(mutate func([]byte)) []byte {
		c := make([]byte, len(frame))
		copy(c, frame)
		mutate(c)
		return c
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "truncated header", data: frame[:RudpHeaderLength-2]},
		{name: "flipped payload bit", data: corrupt(func(b []byte) { b[RudpHeaderLength] ^= 0x01 })},
		{name: "flipped seq bit", data: corrupt(func(b []byte) { b[0] ^= 0x80 })},
		{name: "bad checksum", data: corrupt(func(b []byte) { binary.BigEndian.PutUint16(b[14:16], 0xDEAD) })},
		{name: "length field mismatch", data: corrupt(func(b []byte) {
			binary.BigEndian.PutUint16(b[12:14], 3)
			// refresh the checksum so only the length check can reject
			binary.BigEndian.PutUint16(b[14:16], 0)
			binary.BigEndian.PutUint16(b[14:16], CalculateChecksum(b))
		})},
		{name: "illegal flag combination", data: corrupt(func(b []byte) {
			binary.BigEndian.PutUint16(b[8:10], SYNFlag|FINFlag)
			binary.BigEndian.PutUint16(b[14:16], 0)
			binary.BigEndian.PutUint16(b[14:16], CalculateChecksum(b))
		})},
		{name: "truncated payload", data: frame[:n-4]},
	}

	for _, tc := range testCases {
		decoded := &RudpPacket{}
		if err := decoded.Unmarshal(tc.data); err != ErrInvalidSegment {
			t.Errorf("%s: expected ErrInvalidSegment, got %v", tc.name, err)
		}
	}
}

func TestChecksumOddLength(t *testing.T) {
	conn := testConnection(nil)
	packet := NewRudpPacket(5, 6, DATAFlag|ACKFlag, []byte("odd"), conn)
	defer packet.ReturnChunk()
	buffer := make([]byte, MaxDatagramSize)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatal("Marshal failed:", err)
	}
	if !VerifyChecksum(buffer[:n]) {
		t.Error("checksum verification failed on odd-length frame")
	}
}

func TestResendPacketsRetryCountersResetOnAck(t *testing.T) {
	conn := testConnection(nil)
	r := NewResendPackets()

	for seq := uint32(0); seq < 3; seq++ {
		p := NewRudpPacket(seq*100, 0, DATAFlag|ACKFlag, []byte{byte(seq)}, conn)
		r.AddSentPacket(p, 100)
	}
	if _, err := r.MarkResent(0); err != nil {
		t.Fatal("MarkResent failed:", err)
	}
	if _, err := r.MarkResent(0); err != nil {
		t.Fatal("MarkResent failed:", err)
	}

	freed, sampleOk, _ := r.AckUpTo(150)
	if freed != 2 {
		t.Errorf("freed %d entries, want 2", freed)
	}
	// seq 100 was never resent, so it is sample-eligible; seq 0 was
	if !sampleOk {
		t.Error("expected an RTT sample from the never-resent segment")
	}
	if r.Len() != 1 {
		t.Errorf("resend buffer length %d, want 1", r.Len())
	}

	// a fresh packet at seq 0 starts with a clean retry counter
	p := NewRudpPacket(0, 0, DATAFlag|ACKFlag, []byte{0}, conn)
	r.AddSentPacket(p, 1)
	info, ok := r.GetSentPacket(0)
	if !ok || info.ResendCount != 0 {
		t.Error("retry counter did not reset on cumulative advance")
	}
	r.Clear()
}
