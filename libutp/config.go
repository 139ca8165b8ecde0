// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the protocol tunables shared by every socket of a
// SocketMultiplexer. The zero value is not usable; start from DefaultConfig.
//
// Durations are written as Go duration strings ("100ms") in YAML.
type Config struct {
	// TargetDelay is the queuing delay the congestion controller aims for.
	TargetDelay time.Duration `yaml:"target_delay"`
	// MaxWindowDecay is the minimum interval between two loss-triggered
	// halvings of the congestion window.
	MaxWindowDecay time.Duration `yaml:"max_window_decay"`
	// MaxCWndIncreaseBytesPerRTT bounds how much the congestion window may
	// grow over one round trip.
	MaxCWndIncreaseBytesPerRTT int `yaml:"max_cwnd_increase_bytes_per_rtt"`
	// MinWindow is the smallest congestion window, in bytes. Values below one
	// packet are raised to one packet.
	MinWindow int `yaml:"min_window"`
	// MaxWindow caps the congestion window, in bytes. Zero means the send
	// buffer size is the only cap.
	MaxWindow int `yaml:"max_window"`

	// ReorderSpan is how far past the next expected sequence number an
	// out-of-order packet may be and still be held.
	ReorderSpan int `yaml:"reorder_span"`
	// DuplicateAcksBeforeResend is the number of packets that must be
	// selectively acked past a hole before the hole is resent.
	DuplicateAcksBeforeResend int `yaml:"duplicate_acks_before_resend"`
	// DelayedAckBytes is the number of unacked received bytes that forces an
	// ack out immediately.
	DelayedAckBytes int `yaml:"delayed_ack_bytes"`
	// DelayedAckTime is the longest an ack for in-order data is held back.
	DelayedAckTime time.Duration `yaml:"delayed_ack_time"`

	InitialRTO time.Duration `yaml:"initial_rto"`
	MinRTO     time.Duration `yaml:"min_rto"`
	MaxRTO     time.Duration `yaml:"max_rto"`
	// MaxSynRetries is the number of times a SYN is retransmitted before the
	// connection attempt fails.
	MaxSynRetries int `yaml:"max_syn_retries"`
	// MaxRetransmissions is the number of consecutive retransmission timeouts
	// an established connection survives.
	MaxRetransmissions int `yaml:"max_retransmissions"`

	// MaxLinger caps how long a closed connection stays around to re-ack
	// late retransmissions.
	MaxLinger time.Duration `yaml:"max_linger"`
	// FinWaitTimeout is how long a connection whose FIN was acked waits for
	// the peer's FIN.
	FinWaitTimeout time.Duration `yaml:"fin_wait_timeout"`
	// KeepaliveInterval is the send silence after which a keepalive ack goes
	// out.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// ZeroWindowTimeout is how long a peer advertising a zero receive window
	// is believed before we probe with one packet.
	ZeroWindowTimeout time.Duration `yaml:"zero_window_timeout"`

	SendBufferSize int `yaml:"send_buffer_size"`
	RecvBufferSize int `yaml:"recv_buffer_size"`
}

// DefaultConfig returns the tunables libutp has always used.
func DefaultConfig() *Config {
	return &Config{
		TargetDelay:                100 * time.Millisecond,
		MaxWindowDecay:             100 * time.Millisecond,
		MaxCWndIncreaseBytesPerRTT: 3000,
		ReorderSpan:                511,
		DuplicateAcksBeforeResend:  3,
		DelayedAckBytes:            2400,
		DelayedAckTime:             100 * time.Millisecond,
		InitialRTO:                 3 * time.Second,
		MinRTO:                     500 * time.Millisecond,
		MaxRTO:                     60 * time.Second,
		MaxSynRetries:              2,
		MaxRetransmissions:         5,
		MaxLinger:                  10 * time.Second,
		FinWaitTimeout:             15 * time.Second,
		KeepaliveInterval:          29 * time.Second,
		ZeroWindowTimeout:          15 * time.Second,
		SendBufferSize:             3*1024*1024 + 512*1024,
		RecvBufferSize:             3*1024*1024 + 512*1024,
	}
}

// Validate reports the first nonsensical value in c.
func (c *Config) Validate() error {
	switch {
	case c.TargetDelay <= 0:
		return fmt.Errorf("target_delay must be positive, got %v", c.TargetDelay)
	case c.MaxWindowDecay < 0:
		return fmt.Errorf("max_window_decay must not be negative, got %v", c.MaxWindowDecay)
	case c.MaxCWndIncreaseBytesPerRTT <= 0:
		return fmt.Errorf("max_cwnd_increase_bytes_per_rtt must be positive, got %d", c.MaxCWndIncreaseBytesPerRTT)
	case c.MinWindow < 0:
		return fmt.Errorf("min_window must not be negative, got %d", c.MinWindow)
	case c.MaxWindow < 0:
		return fmt.Errorf("max_window must not be negative, got %d", c.MaxWindow)
	case c.MaxWindow != 0 && c.MaxWindow < c.MinWindow:
		return fmt.Errorf("max_window %d is below min_window %d", c.MaxWindow, c.MinWindow)
	case c.ReorderSpan < 1 || c.ReorderSpan > maxSelectiveAckBytes*8:
		return fmt.Errorf("reorder_span must be in [1, %d], got %d", maxSelectiveAckBytes*8, c.ReorderSpan)
	case c.DuplicateAcksBeforeResend < 1:
		return fmt.Errorf("duplicate_acks_before_resend must be at least 1, got %d", c.DuplicateAcksBeforeResend)
	case c.DelayedAckBytes < 0:
		return fmt.Errorf("delayed_ack_bytes must not be negative, got %d", c.DelayedAckBytes)
	case c.DelayedAckTime < 0:
		return fmt.Errorf("delayed_ack_time must not be negative, got %v", c.DelayedAckTime)
	case c.MinRTO <= 0:
		return fmt.Errorf("min_rto must be positive, got %v", c.MinRTO)
	case c.MaxRTO < c.MinRTO:
		return fmt.Errorf("max_rto %v is below min_rto %v", c.MaxRTO, c.MinRTO)
	case c.InitialRTO < c.MinRTO || c.InitialRTO > c.MaxRTO:
		return fmt.Errorf("initial_rto %v is outside [%v, %v]", c.InitialRTO, c.MinRTO, c.MaxRTO)
	case c.MaxSynRetries < 0 || c.MaxRetransmissions < 0:
		return fmt.Errorf("retry ceilings must not be negative")
	case c.MaxLinger < 0 || c.FinWaitTimeout < 0:
		return fmt.Errorf("linger timeouts must not be negative")
	case c.KeepaliveInterval <= 0:
		return fmt.Errorf("keepalive_interval must be positive, got %v", c.KeepaliveInterval)
	case c.ZeroWindowTimeout <= 0:
		return fmt.Errorf("zero_window_timeout must be positive, got %v", c.ZeroWindowTimeout)
	case c.SendBufferSize <= 0 || c.RecvBufferSize <= 0:
		return fmt.Errorf("buffer sizes must be positive")
	}
	return nil
}

// ParseConfig reads a YAML document on top of DefaultConfig, so a document
// only needs to name the values it changes.
func ParseConfig(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing utp config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid utp config: %w", err)
	}
	return c, nil
}

// LoadConfig reads a YAML config file. See ParseConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading utp config: %w", err)
	}
	return ParseConfig(data)
}

func durationMS(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}
