package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

var (
	emptySlice []byte
	Pool       *rp.RingPool
)

// initPool creates the shared payload chunk pool on first use. Chunks are
// sized for the largest wire payload: one plaintext segment plus the AEAD
// envelope overhead.
func initPool(cfg *config.Config) {
	if Pool != nil {
		return
	}
	rp.Debug = cfg.Debug
	Pool = rp.NewRingPool("RUDP: ", cfg.PayloadPoolSize, NewPayload, cfg.PayloadSize+EnvelopeOverhead)
}

func SetEmptySlice(length int) {
	emptySlice = make([]byte, length)
}

// Payload represents one segment payload byte slice backed by the ring
// pool. Chunks are sized for the largest wire payload: PayloadSize plus
// the AEAD envelope overhead.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element data instance. The single parameter is
// the chunk buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: invalid data type of bufferLength. Should be of type int")
		return nil
	}

	if len(emptySlice) == 0 { // initialize it
		SetEmptySlice(bufferLength)
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
