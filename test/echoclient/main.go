/*
Test client for the RUDP protocol. It delivers a message, a file, or a
deterministic synthetic payload to an echoserver and prints the sender-side
metrics that drive the throughput and loss charts.

Key Features:
1. Payload Sources:
   - -message for a short inline string
   - -file to stream a file's contents
   - -synthetic N for N deterministic bytes (byte[i] = i mod 256)

2. Protocol Toggles:
   - -no-crypto disables the AEAD payload envelope
   - -no-cc disables congestion control (flow control still applies)

Usage:
  ./echoclient [options]
  Options:
    -host string      Server address (default "127.0.0.1")
    -port int         UDP port (default 9009)
    -message string   Inline message to send
    -file string      File to send
    -synthetic int    Number of synthetic bytes to send
    -no-crypto        Disable payload encryption
    -no-cc            Disable congestion control
    -config string    Optional yaml config path
*/
package main

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
	"github.com/Clouded-Sabre/Reliable-UDP/lib"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Server address")
	port := flag.Int("port", 9009, "UDP port")
	message := flag.String("message", "", "Inline message to send")
	file := flag.String("file", "", "File to send")
	synthetic := flag.Int("synthetic", 0, "Number of synthetic bytes to send")
	noCrypto := flag.Bool("no-crypto", false, "Disable payload encryption")
	noCC := flag.Bool("no-cc", false, "Disable congestion control")
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
	cfg.UseCrypto = !*noCrypto
	cfg.CongestionCtrl = !*noCC

	var payload []byte
	switch {
	case *message != "":
		payload = []byte(*message)
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal("Error reading file:", err)
		}
		payload = data
	case *synthetic > 0:
		payload = make([]byte, *synthetic)
		for i := range payload {
			payload[i] = byte(i % 256)
		}
	default:
		log.Fatal("One of -message, -file or -synthetic is required")
	}

	conn, err := lib.DialRUDP(*host, *port, cfg)
	if err != nil {
		log.Fatal("Error connecting:", err)
	}

	if err := conn.Send(payload); err != nil {
		log.Fatal("Error sending:", err)
	}
	if err := conn.Close(); err != nil {
		log.Fatal("Error closing:", err)
	}

	m := conn.Metrics()
	log.WithFields(log.Fields{
		"bytes":           len(payload),
		"retransmissions": m.Retransmissions,
		"timeouts":        m.Timeouts,
		"dupAcks":         m.DupAcksReceived,
		"elapsed":         m.Elapsed,
	}).Info("transfer complete")
}
