package lib

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
)

// Server accepts RUDP connections on one UDP socket. Each handshaking peer
// gets an independent Connection keyed by its address; there is no state
// shared between connections beyond the socket itself.
type Server struct {
	config *config.Config
	conn   *net.UDPConn

	mapMutex        sync.Mutex
	connectionMap   map[string]*Connection
	acceptChannel   chan *Connection
	connCloseSignal chan *Connection
	closeSignal     chan struct{}
	closeOnce       sync.Once
	isClosed        bool
	wg              sync.WaitGroup
}

// ListenRUDP binds a RUDP server to bindAddr:port. The configured DropRate
// makes the receiver discard each inbound datagram with that probability
// before any processing, so the sender observes authentic loss signals.
func ListenRUDP(bindAddr string, port int, cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	initPool(cfg)

	localAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, errors.Wrap(err, "resolving bind address")
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listening on UDP")
	}

	s := &Server{
		config:          cfg,
		conn:            conn,
		connectionMap:   make(map[string]*Connection),
		acceptChannel:   make(chan *Connection, 64),
		connCloseSignal: make(chan *Connection, 64),
		closeSignal:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.handleIncomingPackets()
	go s.handleCloseConnection()

	log.WithFields(log.Fields{"addr": conn.LocalAddr()}).Info("RUDP server listening")
	return s, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Accept blocks until a peer completes its handshake and returns the
// established connection.
func (s *Server) Accept() (*Connection, error) {
	select {
	case conn := <-s.acceptChannel:
		return conn, nil
	case <-s.closeSignal:
		return nil, errors.Wrap(ErrLocalCancelled, "server closed")
	}
}

// handleIncomingPackets is the server's network-reader task: read one
// datagram, maybe drop it (simulated loss), decode it, and dispatch it to
// the owning connection. A SYN from an unknown peer creates a connection.
func (s *Server) handleIncomingPackets() {
	defer s.wg.Done()

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-s.closeSignal:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.mapMutex.Lock()
			closed := s.isClosed
			s.mapMutex.Unlock()
			if closed {
				return
			}
			log.Println("Server.handleIncomingPackets: error reading:", err)
			continue
		}

		if shouldDrop(s.config.DropRate) {
			log.WithFields(log.Fields{"peer": remoteAddr}).Debug("simulated loss: datagram dropped")
			continue
		}

		packet := &RudpPacket{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			log.WithFields(log.Fields{"peer": remoteAddr}).Debug("invalid segment dropped")
			continue
		}

		connKey := remoteAddr.String()
		s.mapMutex.Lock()
		conn, ok := s.connectionMap[connKey]
		s.mapMutex.Unlock()

		if !ok {
			if packet.Flags != SYNFlag {
				log.WithFields(log.Fields{"peer": remoteAddr}).Debug("segment for unknown connection dropped")
				continue
			}
			s.newServerConnection(connKey, remoteAddr, packet)
			continue
		}

		select {
		case conn.inputChannel <- packet:
		case <-conn.closeSignal:
		case <-s.closeSignal:
			return
		}
	}
}

// newServerConnection allocates the per-peer state for a fresh SYN,
// installs the session key carried in its payload, answers with SYN-ACK
// and starts the connection's dispatch loop.
func (s *Server) newServerConnection(connKey string, remoteAddr *net.UDPAddr, syn *RudpPacket) *Connection {
	params := &connectionParams{
		key:        connKey,
		isServer:   true,
		remoteAddr: remoteAddr,
		localAddr:  s.Addr(),
		sendFrame: func(frame []byte) error {
			_, err := s.conn.WriteToUDP(frame, remoteAddr)
			return err
		},
		connCloseSignal: s.connCloseSignal,
	}

	c := newConnection(params, s.config)
	c.acceptNotify = s.acceptChannel

	isn, err := GenerateISN()
	if err != nil {
		log.Println("Error generating ISN:", err)
		return nil
	}
	c.initialSeq = isn
	c.sndUna = isn
	c.sndNxt = isn
	c.rcvNxt = SeqIncrement(syn.SequenceNumber)

	// the SYN payload is the peer's session key; an empty payload means a
	// plaintext connection
	if len(syn.Payload) > 0 {
		cipher, err := NewSessionCipher(syn.Payload)
		if err != nil {
			log.WithFields(log.Fields{"peer": remoteAddr, "keyLen": len(syn.Payload)}).Warn("SYN with unusable key material ignored")
			return nil
		}
		c.sessionKey = append([]byte(nil), syn.Payload...)
		c.crypto = cipher
	}

	c.mutex.Lock()
	c.state = StateSynReceived
	c.sendSynAckLocked()
	c.startConnSignalTimer()
	c.mutex.Unlock()

	s.mapMutex.Lock()
	s.connectionMap[connKey] = c
	s.mapMutex.Unlock()

	c.wg.Add(1)
	go c.serverHandleIncomingPackets()

	log.WithFields(log.Fields{"peer": remoteAddr}).Info("SYN received; SYN-ACK sent")
	return c
}

// handleCloseConnection removes torn-down connections from the map.
func (s *Server) handleCloseConnection() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			return
		case conn := <-s.connCloseSignal:
			s.mapMutex.Lock()
			_, ok := s.connectionMap[conn.params.key]
			if ok {
				delete(s.connectionMap, conn.params.key)
			}
			s.mapMutex.Unlock()
			if ok {
				log.WithFields(log.Fields{"conn": conn.params.key}).Info("connection removed")
			}
		}
	}
}

// Close shuts the listener down and tears every connection down,
// aggregating whatever goes wrong on the way.
func (s *Server) Close() error {
	var result *multierror.Error

	s.closeOnce.Do(func() {
		s.mapMutex.Lock()
		s.isClosed = true
		conns := make([]*Connection, 0, len(s.connectionMap))
		for _, conn := range s.connectionMap {
			conns = append(conns, conn)
		}
		s.connectionMap = make(map[string]*Connection)
		s.mapMutex.Unlock()

		close(s.closeSignal)

		for _, conn := range conns {
			conn.teardown()
		}

		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.wg.Wait()
		log.Println("RUDP server closed gracefully.")
	})

	return result.ErrorOrNil()
}
