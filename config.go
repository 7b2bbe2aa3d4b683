package picolog

import (
	"fmt"
	"time"
)

// ChannelID identifies a physical input channel. Channel A is 0; devices
// in the ps4000a/ps6000a families expose up to 8 channels (A-H).
type ChannelID int

// MaxChannels is the largest channel count any supported device exposes.
const MaxChannels = 8

func (c ChannelID) String() string {
	if c < 0 || c >= MaxChannels {
		return fmt.Sprintf("chan%d", int(c))
	}
	return string(rune('A' + c))
}

// Coupling selects AC or DC input coupling for one channel.
type Coupling int

// Names for the possible values of Coupling
const (
	CouplingAC Coupling = iota
	CouplingDC
)

func (c Coupling) String() string {
	if c == CouplingDC {
		return "DC"
	}
	return "AC"
}

// VoltageRange is the full-scale input range enum, 10 steps from ±10 mV
// to ±10 V, numbered as the vendor SDK numbers them.
type VoltageRange int

// The ten supported input ranges.
const (
	Range10mV VoltageRange = iota
	Range20mV
	Range50mV
	Range100mV
	Range200mV
	Range500mV
	Range1V
	Range2V
	Range5V
	Range10V
)

var rangeVolts = [...]float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
var rangeNames = [...]string{"±10mV", "±20mV", "±50mV", "±100mV", "±200mV",
	"±500mV", "±1V", "±2V", "±5V", "±10V"}

// Volts returns the full-scale amplitude of the range in volts.
func (r VoltageRange) Volts() float64 {
	if r < 0 || int(r) >= len(rangeVolts) {
		return 10
	}
	return rangeVolts[r]
}

func (r VoltageRange) String() string {
	if r < 0 || int(r) >= len(rangeNames) {
		return fmt.Sprintf("Range_%d", int(r))
	}
	return rangeNames[r]
}

// ChannelConfig holds the per-channel hardware settings. It is only
// mutated through SessionController setters while acquisition is stopped.
type ChannelConfig struct {
	Channel  ChannelID
	Enabled  bool
	Coupling Coupling
	Range    VoltageRange
	Offset   float64 // volts added to every reading (zero calibration)
}

// SessionConfig is the complete, immutable description of one acquisition
// session. SessionController setters produce a new validated value rather
// than mutating fields shared between goroutines.
type SessionConfig struct {
	SampleRateHz    int
	TimelineSeconds float64
	ResolutionBits  int
	CacheDir        string
	Channels        []ChannelConfig
}

// DefaultSessionConfig returns the configuration a fresh controller starts
// with: channels A and B enabled, DC coupled, ±5 V, 100 Hz.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRateHz:    100,
		TimelineSeconds: 60,
		ResolutionBits:  16,
		CacheDir:        "cache",
		Channels: []ChannelConfig{
			{Channel: 0, Enabled: true, Coupling: CouplingDC, Range: Range5V},
			{Channel: 1, Enabled: true, Coupling: CouplingDC, Range: Range5V},
		},
	}
}

// EnabledChannels returns the IDs of all enabled channels, in channel order.
func (sc SessionConfig) EnabledChannels() []ChannelID {
	ids := make([]ChannelID, 0, len(sc.Channels))
	for _, cc := range sc.Channels {
		if cc.Enabled {
			ids = append(ids, cc.Channel)
		}
	}
	return ids
}

// ChannelByID returns the config for the given channel and whether it exists.
func (sc SessionConfig) ChannelByID(id ChannelID) (ChannelConfig, bool) {
	for _, cc := range sc.Channels {
		if cc.Channel == id {
			return cc, true
		}
	}
	return ChannelConfig{}, false
}

// Validate checks the configuration for values no device supports.
func (sc SessionConfig) Validate() error {
	if sc.SampleRateHz < 1 {
		return &ConfigError{Field: "SampleRateHz",
			Reason: fmt.Sprintf("%d Hz is below the 1 Hz minimum", sc.SampleRateHz)}
	}
	if sc.SampleRateHz > 1000000 {
		return &ConfigError{Field: "SampleRateHz",
			Reason: fmt.Sprintf("%d Hz exceeds the 1 MHz streaming limit", sc.SampleRateHz)}
	}
	if sc.TimelineSeconds <= 0 {
		return &ConfigError{Field: "TimelineSeconds",
			Reason: fmt.Sprintf("%f is not a positive duration", sc.TimelineSeconds)}
	}
	if len(sc.Channels) == 0 {
		return &ConfigError{Field: "Channels", Reason: "no channels configured"}
	}
	nEnabled := 0
	for _, cc := range sc.Channels {
		if cc.Channel < 0 || cc.Channel >= MaxChannels {
			return &ConfigError{Field: "Channels",
				Reason: fmt.Sprintf("channel %d out of range [0,%d)", cc.Channel, MaxChannels)}
		}
		if cc.Range < Range10mV || cc.Range > Range10V {
			return &ConfigError{Field: "Channels",
				Reason: fmt.Sprintf("channel %s voltage range enum %d invalid", cc.Channel, cc.Range)}
		}
		if cc.Enabled {
			nEnabled++
		}
	}
	if nEnabled == 0 {
		return &ConfigError{Field: "Channels", Reason: "no channels enabled"}
	}
	return nil
}

// SamplePeriod returns the target interval between consecutive samples.
func (sc SessionConfig) SamplePeriod() time.Duration {
	return time.Duration(float64(time.Second) / float64(sc.SampleRateHz))
}

// BlockSize gives the CSV batching block size matched to the sample rate,
// so block-acquisition cadence stays roughly constant as the rate grows.
func (sc SessionConfig) BlockSize() int {
	switch {
	case sc.SampleRateHz <= 100:
		return 100
	case sc.SampleRateHz <= 1000:
		return 500
	case sc.SampleRateHz <= 5000:
		return 1000
	}
	return 2000
}
