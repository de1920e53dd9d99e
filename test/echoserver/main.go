/*
Test server for the RUDP protocol. It accepts connections indefinitely,
drains each peer's byte stream and reports per-connection metrics when the
peer finishes.

Key Features:
1. Protocol Support:
   - Reliable-UDP transport with 3-way handshake and AEAD payloads
   - Cumulative acknowledgments with receive-window advertisement
   - Optional simulated datagram loss for congestion testing

2. Configuration Options:
   - Bind address and port (default: 127.0.0.1:9009)
   - Drop rate for simulated loss (default: 0)
   - Protocol settings via config.yaml (optional)

Usage:
  ./echoserver [options]
  Options:
    -bind string      Bind address (default "127.0.0.1")
    -port int         UDP port (default 9009)
    -drop-rate float  Simulated receive loss probability (default 0)
    -config string    Optional yaml config path
*/
package main

import (
	"flag"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
	"github.com/Clouded-Sabre/Reliable-UDP/lib"
)

func main() {
	bind := flag.String("bind", "127.0.0.1", "Bind address")
	port := flag.Int("port", 9009, "UDP port")
	dropRate := flag.Float64("drop-rate", 0, "Simulated receive loss probability")
	configPath := flag.String("config", "", "Optional yaml config path")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatal("Error loading config:", err)
		}
	}
	cfg.DropRate = *dropRate

	server, err := lib.ListenRUDP(*bind, *port, cfg)
	if err != nil {
		log.Fatal("Error starting server:", err)
	}
	defer server.Close()

	for {
		conn, err := server.Accept()
		if err != nil {
			log.Println("Accept:", err)
			os.Exit(0)
		}
		go serve(conn)
	}
}

func serve(conn *lib.Connection) {
	buffer := make([]byte, 64*1024)
	var total int64
	for {
		n, err := conn.Read(buffer)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Println("Read:", err)
			break
		}
	}

	m := conn.Metrics()
	log.WithFields(log.Fields{
		"peer":        conn.RemoteAddr(),
		"bytes":       total,
		"dupsDropped": m.DuplicatesDropped,
		"elapsed":     m.Elapsed,
	}).Info("stream complete")
}
