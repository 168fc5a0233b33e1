// Package quantumcfg holds the configuration knobs shared by the ARQ
// engine, the controller, and the endpoint, plus a YAML loader
// (github.com/zeromicro/go-zero/core/conf).
package quantumcfg

import (
	"fmt"

	"github.com/zeromicro/go-zero/core/conf"
)

// Config enumerates the transport's tunable knobs. Callers construct it
// directly (the cmd/ binaries use DefaultConfig) or load it from a YAML
// file via Load.
type Config struct {
	// MSS is the maximum ARQ segment payload size in bytes.
	MSS int `json:",default=1000"`

	// SendWindow / RecvWindow bound the ARQ send/receive windows, in
	// segments.
	SendWindow uint32 `json:",default=256"`
	RecvWindow uint32 `json:",default=256"`

	// StreamMode selects byte-stream semantics instead of message-
	// boundary-preserving semantics.
	StreamMode bool `json:",optional"`

	// FlushWrite, if true, flushes the ARQ send queue immediately after
	// every Send.
	FlushWrite bool `json:",default=true"`

	// FlushAcksInput, if true, flushes pending acks immediately on
	// Input rather than waiting for the next Update tick.
	FlushAcksInput bool `json:",default=true"`

	// AllowRecvEmptyPacket, if false, suppresses zero-length receives.
	AllowRecvEmptyPacket bool `json:",optional"`

	// UseExternalCongestionControl, if true, disables the ARQ engine's
	// own window sizing in favor of the controller being authoritative
	// (the only mode this implementation supports; kept as a named knob
	// for parity with external ARQ libraries that expose it).
	UseExternalCongestionControl bool `json:",default=true"`

	// FeedbackIntervalMs is the minimum spacing, in milliseconds, between
	// feedback datagrams emitted from the endpoint's update loop.
	FeedbackIntervalMs int64 `json:",default=10"`

	// PacerQueueCapacity bounds the pacer's egress queue.
	PacerQueueCapacity int `json:",default=256"`

	// UpdateIntervalMs is the period of the Listener's shared ticker that
	// calls Update on every endpoint; the deadline Update returns is not
	// consulted.
	UpdateIntervalMs int64 `json:",default=100"`
}

// DefaultConfig returns the transport's default configuration.
func DefaultConfig() *Config {
	return &Config{
		MSS:                          1000,
		SendWindow:                   256,
		RecvWindow:                   256,
		FlushWrite:                   true,
		FlushAcksInput:               true,
		UseExternalCongestionControl: true,
		FeedbackIntervalMs:           10,
		PacerQueueCapacity:           256,
		UpdateIntervalMs:             100,
	}
}

// Load reads a YAML configuration file into a Config, applying the
// `json:"...,default=...` tags above for any field left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := conf.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("quantumcfg: load %s: %w", path, err)
	}
	return cfg, nil
}
