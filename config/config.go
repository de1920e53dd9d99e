package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the RUDP core. LoadConfig starts from
// DefaultConfig, so fields absent from a partial yaml file keep their
// defaults; zero values set explicitly are kept as they are.
type Config struct {
	PayloadSize     int     `yaml:"payloadSize"`     // plaintext bytes per DATA segment
	RwndMax         int     `yaml:"rwndMax"`         // receive window in segments
	MaxRetries      int     `yaml:"maxRetries"`      // per-segment retransmission limit
	InitialRtoMs    int     `yaml:"initialRtoMs"`    // RTO before the first RTT sample
	MinRtoMs        int     `yaml:"minRtoMs"`        // RTO clamp lower bound
	MaxRtoMs        int     `yaml:"maxRtoMs"`        // RTO clamp upper bound
	InitialCwnd     int     `yaml:"initialCwnd"`     // congestion window in segments
	InitialSsthresh int     `yaml:"initialSsthresh"` // slow-start threshold in segments
	DupAckThreshold int     `yaml:"dupAckThreshold"` // duplicate ACKs before fast retransmit
	UseCrypto       bool    `yaml:"useCrypto"`       // AEAD payload envelope on/off
	CongestionCtrl  bool    `yaml:"congestionCtrl"`  // Reno on/off; flow control always applies
	DropRate        float64 `yaml:"dropRate"`        // receiver-side simulated loss probability
	PayloadPoolSize int     `yaml:"payloadPoolSize"` // how many payload chunks in the ring pool
	OpTimeoutMs     int     `yaml:"opTimeoutMs"`     // overall deadline for connect/send/close
	DrainIntervalMs int     `yaml:"drainIntervalMs"` // CLOSED_WAIT linger before teardown
	Debug           bool    `yaml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		PayloadSize:     1024,
		RwndMax:         64,
		MaxRetries:      5,
		InitialRtoMs:    1000,
		MinRtoMs:        200,
		MaxRtoMs:        60000,
		InitialCwnd:     1,
		InitialSsthresh: 64,
		DupAckThreshold: 3,
		UseCrypto:       true,
		CongestionCtrl:  true,
		DropRate:        0,
		PayloadPoolSize: 2000,
		OpTimeoutMs:     120000,
		DrainIntervalMs: 200,
		Debug:           false,
	}
}

// LoadConfig layers the yaml file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}
