package picolog

import (
	"math"
	"sync"
)

// Sample is one fully-timestamped reading across all enabled channels.
// Time is seconds relative to session start; Values holds one voltage per
// enabled channel, in channel order.
type Sample struct {
	Time   float64
	Values []float64
}

// ProcessedSample is a Sample after offset correction, carrying the math
// channel results for the same tick. A math value may be NaN when its
// formula failed on this tick; that never aborts the pipeline.
type ProcessedSample struct {
	Sample
	MathValues map[string]float64
}

// SourceState is used to indicate the active/inactive/transition state of
// an acquisition session.
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // No acquisition in progress
	Starting                    // Session is in transition to Active state
	Active                      // Session is actively acquiring data
	Stopping                    // Session is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return "Unknown"
}

// AcquisitionSource is the interface for hardware or simulated sample
// producers. Hardware variants (ps4000, ps4000a, ps6000a) live behind this
// interface; the pipeline only ever depends on the contract.
//
// Configure is idempotent and must be callable on an already-open device to
// reconfigure it without a full reopen. Read returns exactly one
// fully-timestamped sample per call and never returns partial data.
// Close is best-effort teardown and never fails. ResetSession zeroes the
// internal sample counters without closing the device.
type AcquisitionSource interface {
	Configure(cfg SessionConfig) error
	Read() (Sample, error)
	Close()
	ResetSession()
}

// SimSineSource is an AcquisitionSource that synthesizes a 2 Hz sine with a
// small 50 Hz ripple on every enabled channel, each channel phase-shifted by
// a quarter turn from the previous one. It is used by tests and whenever no
// hardware is attached.
//
// Timestamps follow the desired-interval convention: sample k is reported at
// k / sampleRate seconds, so downstream consumers see a perfectly regular
// cadence regardless of wall-clock jitter.
type SimSineSource struct {
	sampleRate  float64
	channels    []ChannelID
	amplitude   float64
	sampleCount int64
	runMutex    sync.Mutex
}

// NewSimSineSource creates an unconfigured simulated source.
func NewSimSineSource() *SimSineSource {
	return &SimSineSource{sampleRate: 100, amplitude: 1.0}
}

// Configure adopts the session's rate and channel set. It may be called
// again at any time; the sample counter is preserved so a reconfigure does
// not silently restart the timeline.
func (ss *SimSineSource) Configure(cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ss.runMutex.Lock()
	defer ss.runMutex.Unlock()
	ss.sampleRate = float64(cfg.SampleRateHz)
	ss.channels = cfg.EnabledChannels()
	return nil
}

// Read synthesizes the next sample.
func (ss *SimSineSource) Read() (Sample, error) {
	ss.runMutex.Lock()
	defer ss.runMutex.Unlock()
	t := float64(ss.sampleCount) / ss.sampleRate
	ss.sampleCount++

	values := make([]float64, len(ss.channels))
	for i := range values {
		phase := float64(i) * math.Pi / 2
		values[i] = ss.amplitude*math.Sin(2*math.Pi*2*t+phase) +
			0.05*math.Sin(2*math.Pi*50*t)
	}
	return Sample{Time: t, Values: values}, nil
}

// Close is a no-op; there is no hardware to tear down.
func (ss *SimSineSource) Close() {}

// ResetSession zeroes the sample counter so the next Read starts at t=0.
func (ss *SimSineSource) ResetSession() {
	ss.runMutex.Lock()
	defer ss.runMutex.Unlock()
	ss.sampleCount = 0
}
