package lib

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidSegment is returned by Unmarshal for any malformed datagram:
// truncation, length mismatch, an illegal flag combination or a failed
// checksum. The engines treat all of them as a silent drop.
var ErrInvalidSegment = errors.New("invalid segment")

// RudpPacket represents one segment of the protocol: the payload of a
// single UDP datagram.
type RudpPacket struct {
	SequenceNumber    uint32 // first payload byte for DATA, handshake slot for SYN/FIN
	AcknowledgmentNum uint32 // cumulative ACK: next expected sequence number
	Flags             uint16
	WindowSize        uint16 // receive window advertisement, in segments
	Checksum          uint16
	Payload           []byte // key material during handshake, AEAD envelope afterwards

	Conn  *Connection // outgoing packets only: owning connection
	chunk *rp.Element // memory chunk backing Payload for outgoing packets
}

// legalFlags lists the flag combinations Unmarshal accepts.
var legalFlags = map[uint16]bool{
	SYNFlag:            true,
	SYNFlag | ACKFlag:  true,
	ACKFlag:            true,
	DATAFlag | ACKFlag: true,
	FINFlag | ACKFlag:  true,
}

// Marshal converts a RudpPacket to its wire form inside buffer and returns
// the frame length. The checksum is computed over the header with a zeroed
// checksum field concatenated with the payload as present on the wire.
func (p *RudpPacket) Marshal(buffer []byte) (int, error) {
	frameLength := RudpHeaderLength + len(p.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	binary.BigEndian.PutUint32(buffer[0:4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buffer[4:8], p.AcknowledgmentNum)
	binary.BigEndian.PutUint16(buffer[8:10], p.Flags)
	binary.BigEndian.PutUint16(buffer[10:12], p.WindowSize)
	binary.BigEndian.PutUint16(buffer[12:14], uint16(len(p.Payload)))
	// leave buffer[14:16] (checksum) as all zero for now
	binary.BigEndian.PutUint16(buffer[14:16], 0)

	if len(p.Payload) > 0 {
		copy(buffer[RudpHeaderLength:], p.Payload)
	}

	p.Checksum = CalculateChecksum(buffer[:frameLength])
	binary.BigEndian.PutUint16(buffer[14:16], p.Checksum)

	return frameLength, nil
}

// Unmarshal parses a wire frame into p. Every malformation is reported as
// ErrInvalidSegment so that callers cannot tell a bad checksum from a
// truncated buffer.
func (p *RudpPacket) Unmarshal(data []byte) error {
	if len(data) < RudpHeaderLength {
		return ErrInvalidSegment
	}
	if !VerifyChecksum(data) {
		return ErrInvalidSegment
	}

	p.SequenceNumber = binary.BigEndian.Uint32(data[0:4])
	p.AcknowledgmentNum = binary.BigEndian.Uint32(data[4:8])
	p.Flags = binary.BigEndian.Uint16(data[8:10])
	p.WindowSize = binary.BigEndian.Uint16(data[10:12])
	payloadLength := int(binary.BigEndian.Uint16(data[12:14]))
	p.Checksum = binary.BigEndian.Uint16(data[14:16])

	if !legalFlags[p.Flags] {
		return ErrInvalidSegment
	}
	if len(data) != RudpHeaderLength+payloadLength {
		return ErrInvalidSegment
	}

	if payloadLength > 0 {
		p.Payload = make([]byte, payloadLength)
		copy(p.Payload, data[RudpHeaderLength:])
	} else {
		p.Payload = nil
	}

	return nil
}

// NewRudpPacket assembles an outgoing packet for conn. The payload is
// copied into a pool chunk so the caller's buffer can be reused.
func NewRudpPacket(seqNum, ackNum uint32, flags uint16, data []byte, conn *Connection) *RudpPacket {
	newPacket := &RudpPacket{
		SequenceNumber:    seqNum,
		AcknowledgmentNum: ackNum,
		Flags:             flags,
		WindowSize:        conn.localWindowSize(),
		Conn:              conn,
	}
	if len(data) > 0 {
		if err := newPacket.CopyToPayload(data); err != nil {
			log.Println("NewRudpPacket error:", err)
			return nil
		}
	}
	return newPacket
}

func (p *RudpPacket) CopyToPayload(src []byte) error {
	p.chunk = Pool.GetElement()
	if p.chunk == nil {
		return fmt.Errorf("p.CopyToPayload: got a nil chunk")
	}
	if err := p.chunk.Data.(*Payload).Copy(src); err != nil {
		p.ReturnChunk()
		return fmt.Errorf("RudpPacket.CopyToPayload: %s", err)
	}
	p.Payload = p.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk gives the payload chunk back to the pool once the packet is
// acknowledged or discarded.
func (p *RudpPacket) ReturnChunk() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

// CalculateChecksum computes the 16-bit one's-complement sum over buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	return ^uint16(cksum)
}

// VerifyChecksum checks the header checksum of a received frame. The
// checksum field is zeroed for the computation and restored afterwards.
func VerifyChecksum(data []byte) bool {
	if len(data) < RudpHeaderLength {
		return false
	}
	receivedChecksum := binary.BigEndian.Uint16(data[14:16])
	binary.BigEndian.PutUint16(data[14:16], 0)

	calculatedChecksum := CalculateChecksum(data)

	binary.BigEndian.PutUint16(data[14:16], receivedChecksum)

	return receivedChecksum == calculatedChecksum
}

func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

// PacketInfo records a sent packet waiting for acknowledgement.
type PacketInfo struct {
	LastSentTime time.Time
	ResendCount  int
	PlainLength  int // plaintext length; sequence space the packet consumes
	Data         *RudpPacket
}

// ResendPackets is the retransmit buffer: sent but unacknowledged packets
// keyed by their first sequence number. Retry counters live in the entries
// and therefore reset whenever a cumulative ACK frees them.
type ResendPackets struct {
	mutex   sync.Mutex
	packets map[uint32]*PacketInfo
}

func NewResendPackets() *ResendPackets {
	return &ResendPackets{
		packets: make(map[uint32]*PacketInfo),
	}
}

func (r *ResendPackets) AddSentPacket(packet *RudpPacket, plainLength int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.packets[packet.SequenceNumber] = &PacketInfo{
		LastSentTime: time.Now(),
		ResendCount:  0,
		PlainLength:  plainLength,
		Data:         packet,
	}
}

func (r *ResendPackets) GetSentPacket(seqNum uint32) (*PacketInfo, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packetInfo, ok := r.packets[seqNum]
	return packetInfo, ok
}

// MarkResent bumps the resend counter and send time of the entry at seqNum
// and returns the new counter value.
func (r *ResendPackets) MarkResent(seqNum uint32) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packetInfo, ok := r.packets[seqNum]
	if !ok {
		return 0, fmt.Errorf("corresponding packet not found")
	}
	packetInfo.LastSentTime = time.Now()
	packetInfo.ResendCount++
	return packetInfo.ResendCount, nil
}

func (r *ResendPackets) RemoveSentPacket(seqNum uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packet, ok := r.packets[seqNum]
	if !ok {
		return
	}
	delete(r.packets, seqNum)
	// now that the packet left the resend buffer its chunk can go back
	packet.Data.ReturnChunk()
}

// AckUpTo frees every entry the cumulative ACK covers and reports whether
// any freed entry is eligible for an RTT sample (never resent, per Karn's
// algorithm) together with its original send time.
func (r *ResendPackets) AckUpTo(ack uint32) (freed int, sampleOk bool, sampleTime time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for seq, info := range r.packets {
		if isLess(seq, ack) {
			if info.ResendCount == 0 && (!sampleOk || info.LastSentTime.After(sampleTime)) {
				sampleOk = true
				sampleTime = info.LastSentTime
			}
			delete(r.packets, seq)
			info.Data.ReturnChunk()
			freed++
		}
	}
	return freed, sampleOk, sampleTime
}

func (r *ResendPackets) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.packets)
}

// Clear drops every entry, returning chunks to the pool. Used on teardown.
func (r *ResendPackets) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for seq, info := range r.packets {
		delete(r.packets, seq)
		info.Data.ReturnChunk()
	}
}
