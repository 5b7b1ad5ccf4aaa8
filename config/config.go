// Package config carries the engine's policy constants: timeouts, buffer
// defaults and flow control selection. Values load from TOML; anything
// unset keeps its default. Configuration errors are construction-time and
// descriptive, never coerced.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/flowcontrol"
	"github.com/opd-ai/streamlog/logbuffer"
	"github.com/opd-ai/streamlog/publication"
)

// Duration wraps time.Duration so TOML values read as "100ms" or "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// ErrInvalidConfig indicates a configuration that cannot drive the engine.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full engine configuration.
type Config struct {
	// LogDir is where raw log files are created.
	LogDir string `toml:"log_dir"`

	TermLength         int32 `toml:"term_length"`
	MTULength          int32 `toml:"mtu_length"`
	MaxMessagesPerSend int   `toml:"max_messages_per_send"`

	// SparseFiles skips pre-touching mapped log pages.
	SparseFiles bool `toml:"sparse_files"`

	SpiesSimulateConnection bool `toml:"spies_simulate_connection"`
	SignalEndOfStream       bool `toml:"signal_end_of_stream"`

	FlowControlPolicy string `toml:"flow_control_policy"`
	GroupTag          int64  `toml:"group_tag"`
	RequiredGroupSize int    `toml:"required_group_size"`

	SetupTimeout             Duration `toml:"setup_timeout"`
	HeartbeatTimeout         Duration `toml:"heartbeat_timeout"`
	ConnectionTimeout        Duration `toml:"connection_timeout"`
	LingerTimeout            Duration `toml:"linger_timeout"`
	UnblockTimeout           Duration `toml:"unblock_timeout"`
	UntetheredWindowTimeout  Duration `toml:"untethered_window_timeout"`
	UntetheredLingerTimeout  Duration `toml:"untethered_linger_timeout"`
	UntetheredRestingTimeout Duration `toml:"untethered_resting_timeout"`
	RetransmitDelay          Duration `toml:"retransmit_delay"`
	RetransmitLinger         Duration `toml:"retransmit_linger"`
	ReceiverLivenessTimeout  Duration `toml:"receiver_liveness_timeout"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		LogDir:                   ".",
		TermLength:               16 * 1024 * 1024,
		MTULength:                1408,
		MaxMessagesPerSend:       2,
		FlowControlPolicy:        flowcontrol.PolicyUnicast,
		SignalEndOfStream:        true,
		SetupTimeout:             Duration{100 * time.Millisecond},
		HeartbeatTimeout:         Duration{100 * time.Millisecond},
		ConnectionTimeout:        Duration{5 * time.Second},
		LingerTimeout:            Duration{5 * time.Second},
		UnblockTimeout:           Duration{15 * time.Second},
		UntetheredWindowTimeout:  Duration{5 * time.Second},
		UntetheredLingerTimeout:  Duration{5 * time.Second},
		UntetheredRestingTimeout: Duration{10 * time.Second},
		RetransmitDelay:          Duration{0},
		RetransmitLinger:         Duration{10 * time.Millisecond},
		ReceiverLivenessTimeout:  Duration{10 * time.Second},
	}
}

// Load reads TOML from path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"path": path,
			"keys": fmt.Sprint(undecoded),
		}).Warn("unrecognised configuration keys")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := logbuffer.CheckTermLength(c.TermLength); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MTULength < publication.MinMTULength || c.MTULength > publication.MaxMTULength {
		return fmt.Errorf("%w: mtu_length %d not in [%d, %d]",
			ErrInvalidConfig, c.MTULength, publication.MinMTULength, publication.MaxMTULength)
	}
	if c.MTULength%logbuffer.FrameAlignment != 0 {
		return fmt.Errorf("%w: mtu_length %d not a multiple of %d",
			ErrInvalidConfig, c.MTULength, logbuffer.FrameAlignment)
	}
	if c.MaxMessagesPerSend <= 0 {
		return fmt.Errorf("%w: max_messages_per_send %d", ErrInvalidConfig, c.MaxMessagesPerSend)
	}
	if c.LogDir == "" {
		return fmt.Errorf("%w: empty log_dir", ErrInvalidConfig)
	}
	if _, err := flowcontrol.New(c.FlowControlOptions()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, d := range map[string]Duration{
		"setup_timeout":             c.SetupTimeout,
		"heartbeat_timeout":         c.HeartbeatTimeout,
		"connection_timeout":        c.ConnectionTimeout,
		"linger_timeout":            c.LingerTimeout,
		"unblock_timeout":           c.UnblockTimeout,
		"receiver_liveness_timeout": c.ReceiverLivenessTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.RetransmitDelay.Duration < 0 || c.RetransmitLinger.Duration <= 0 {
		return fmt.Errorf("%w: retransmit timings", ErrInvalidConfig)
	}
	return nil
}

// FlowControlOptions maps the configuration onto strategy options.
func (c *Config) FlowControlOptions() flowcontrol.Options {
	return flowcontrol.Options{
		Policy:            c.FlowControlPolicy,
		ReceiverTimeoutNs: c.ReceiverLivenessTimeout.Nanoseconds(),
		GroupTag:          c.GroupTag,
		RequiredGroupSize: c.RequiredGroupSize,
	}
}

// PublicationTimeouts maps the configuration onto the engine's deadline set.
func (c *Config) PublicationTimeouts() publication.Timeouts {
	return publication.Timeouts{
		SetupNs:                 c.SetupTimeout.Nanoseconds(),
		HeartbeatNs:             c.HeartbeatTimeout.Nanoseconds(),
		ConnectionNs:            c.ConnectionTimeout.Nanoseconds(),
		LingerNs:                c.LingerTimeout.Nanoseconds(),
		UnblockNs:               c.UnblockTimeout.Nanoseconds(),
		UntetheredWindowLimitNs: c.UntetheredWindowTimeout.Nanoseconds(),
		UntetheredLingerNs:      c.UntetheredLingerTimeout.Nanoseconds(),
		UntetheredRestingNs:     c.UntetheredRestingTimeout.Nanoseconds(),
		RetransmitDelayNs:       c.RetransmitDelay.Nanoseconds(),
		RetransmitLingerNs:      c.RetransmitLinger.Nanoseconds(),
		ReceiverLivenessNs:      c.ReceiverLivenessTimeout.Nanoseconds(),
	}
}
