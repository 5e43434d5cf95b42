package tether

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/outofforest/tether/wire"
)

// Config is the configuration of the handler.
type Config struct {
	// RetryInterval is the time after which unacknowledged message is resent.
	RetryInterval time.Duration

	// MaxRetries is the number of resends before delivery timeout is reported.
	// Negative value disables resending.
	MaxRetries int

	// TickInterval is the period of scanning tracked messages.
	TickInterval time.Duration

	// HeartbeatInterval is the period of heartbeats. Negative value disables them.
	HeartbeatInterval time.Duration

	// MaxSinglePayload is the largest payload accepted in one dynamic frame.
	MaxSinglePayload uint64

	// MaxMultiSize is the largest payload accepted by multi-part transfer.
	MaxMultiSize uint64

	// MultiChunkSize is the size of chunks sent in multi-part transfer.
	MultiChunkSize int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RetryInterval:     time.Second,
		MaxRetries:        3,
		TickInterval:      100 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		MaxSinglePayload:  1 << 20,
		MaxMultiSize:      64 << 20,
		MultiChunkSize:    wire.MultiPayloadCapacity,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxSinglePayload == 0 {
		c.MaxSinglePayload = d.MaxSinglePayload
	}
	c.MaxSinglePayload = min(c.MaxSinglePayload, wire.MaxPayloadSize)
	if c.MaxMultiSize == 0 {
		c.MaxMultiSize = d.MaxMultiSize
	}
	c.MaxMultiSize = min(c.MaxMultiSize, wire.MaxPayloadSize)
	if c.MultiChunkSize <= 0 || c.MultiChunkSize > wire.MultiPayloadCapacity {
		c.MultiChunkSize = d.MultiChunkSize
	}
	return c
}

type fileConfig struct {
	RetryInterval     string `toml:"retry_interval"`
	MaxRetries        int    `toml:"max_retries"`
	TickInterval      string `toml:"tick_interval"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	MaxSinglePayload  uint64 `toml:"max_single_payload"`
	MaxMultiSize      uint64 `toml:"max_multi_size"`
	MultiChunkSize    int    `toml:"multi_chunk_size"`
}

// LoadConfig loads configuration from TOML file. Keys missing in the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %q failed", path)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{key: "retry_interval", value: raw.RetryInterval, dst: &cfg.RetryInterval},
		{key: "tick_interval", value: raw.TickInterval, dst: &cfg.TickInterval},
		{key: "heartbeat_interval", value: raw.HeartbeatInterval, dst: &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s failed", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	sizes := []struct {
		key   string
		value uint64
		dst   *uint64
	}{
		{key: "max_single_payload", value: raw.MaxSinglePayload, dst: &cfg.MaxSinglePayload},
		{key: "max_multi_size", value: raw.MaxMultiSize, dst: &cfg.MaxMultiSize},
	}
	for _, s := range sizes {
		if !meta.IsDefined(s.key) {
			continue
		}
		if s.value > wire.MaxPayloadSize {
			return Config{}, errors.Errorf("%s must not exceed %d", s.key, wire.MaxPayloadSize)
		}
		*s.dst = s.value
	}
	if meta.IsDefined("multi_chunk_size") {
		if raw.MultiChunkSize <= 0 || raw.MultiChunkSize > wire.MultiPayloadCapacity {
			return Config{}, errors.Errorf("multi_chunk_size must be in range 1-%d", wire.MultiPayloadCapacity)
		}
		cfg.MultiChunkSize = raw.MultiChunkSize
	}

	return cfg, nil
}
