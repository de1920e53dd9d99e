package lib

// Connection states
const (
	StateClosed = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinSent
	StateClosedWait
)

// Flag constants. Flags travel in a 16-bit header field; the legal
// combinations on the wire are SYN, SYN|ACK, ACK, DATA|ACK and FIN|ACK.
const (
	SYNFlag  uint16 = 1 << 0
	ACKFlag  uint16 = 1 << 1
	FINFlag  uint16 = 1 << 2
	DATAFlag uint16 = 1 << 3
)

const (
	RudpHeaderLength = 16 // fixed header, no options
	MaxDatagramSize  = 65535
)

// Protocol defaults. SYN and FIN consume one sequence slot each while DATA
// sequence numbers count payload bytes, mirroring TCP. Window quantities
// (rwnd, cwnd, ssthresh) count segments, not bytes.
const (
	DefaultPayloadSize     = 1024 // plaintext bytes per DATA segment
	DefaultRwndMax         = 64   // receive window, in segments
	DefaultMaxRetries      = 5
	DefaultInitialRtoMs    = 1000
	DefaultMinRtoMs        = 200
	DefaultMaxRtoMs        = 60000
	DefaultInitialCwnd     = 1  // segments
	DefaultInitialSsthresh = 64 // segments
	DefaultDupAckThreshold = 3
)
