// Package config holds the plain-struct-with-defaults configuration for
// each binary, read from environment variables the way the teacher's
// daemon/config package reads from a config file: missing or unparsable
// values fall back to the default, never erroring.
package config

import (
	"os"
	"strconv"
	"time"
)

// RegistryConfig configures cmd/relay's session store.
type RegistryConfig struct {
	BoltPath      string
	SessionTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultRegistryConfig returns the registry's default configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		BoltPath:      "./parceldrop-registry.db",
		SessionTTL:    600 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// LoadRegistryConfig applies PARCELDROP_DB_PATH and
// PARCELDROP_SESSION_TTL_SECONDS over the defaults.
func LoadRegistryConfig() RegistryConfig {
	cfg := DefaultRegistryConfig()
	if v := os.Getenv("PARCELDROP_DB_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("PARCELDROP_SESSION_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.SessionTTL = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// RelayConfig configures cmd/relay's signaling listener.
type RelayConfig struct {
	ListenAddr     string
	ManagementAddr string
	MaxConnections int
}

// DefaultRelayConfig returns the relay's default configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ListenAddr:     ":8090",
		ManagementAddr: ":8091",
		MaxConnections: 10000,
	}
}

// LoadRelayConfig applies PARCELDROP_RELAY_LISTEN and
// PARCELDROP_RELAY_MANAGEMENT_ADDR over the defaults.
func LoadRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	if v := os.Getenv("PARCELDROP_RELAY_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PARCELDROP_RELAY_MANAGEMENT_ADDR"); v != "" {
		cfg.ManagementAddr = v
	}
	return cfg
}

// TransferConfig configures cmd/sender and cmd/receiver's engine wiring.
type TransferConfig struct {
	ChunkSize         int64
	MaxChunksInFlight int
	LowWatermarkBytes int64
	RendezvousAddr    string
	ManagementAddr    string
}

// DefaultTransferConfig returns the sender/receiver default configuration.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		ChunkSize:         65536,
		MaxChunksInFlight: 64,
		LowWatermarkBytes: 4 * 1024 * 1024,
		RendezvousAddr:    "127.0.0.1:8090",
		ManagementAddr:    ":8092",
	}
}

// LoadTransferConfig applies PARCELDROP_RENDEZVOUS_ADDR over the defaults;
// the remaining fields keep their default values.
func LoadTransferConfig() TransferConfig {
	cfg := DefaultTransferConfig()
	if v := os.Getenv("PARCELDROP_RENDEZVOUS_ADDR"); v != "" {
		cfg.RendezvousAddr = v
	}
	return cfg
}
