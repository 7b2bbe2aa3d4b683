package picolog

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/picodaq/picolog/internal/sessiondb"
	"gonum.org/v1/gonum/stat"
)

// joinTimeout bounds how long Stop waits for each pipeline goroutine before
// proceeding with sink teardown anyway, to avoid leaking the file handle.
const joinTimeout = 2 * time.Second

// zeroOffsetSamples is how many readings the zero-offset calibration
// averages.
const zeroOffsetSamples = 100

// SessionStats is a coherent snapshot of the running session's counters,
// for clients and tests. Tests should assert on these, not status text.
type SessionStats struct {
	Running      bool
	SessionID    string
	SampleRateHz int
	CacheFile    string
	Acquired     uint64
	Processed    uint64
	Saved        uint64
	PlotDrops    uint64
	CsvDrops     uint64
	HistoryLen   int
	HistoryDrops uint64
}

// SessionController owns the start/stop/reset lifecycle and wires the
// source, processor, history, and the three pipeline actors together.
// Configuration mutations are only valid while stopped; the zero-offset
// capture is the one standalone operation allowed on an idle device.
type SessionController struct {
	mu     sync.Mutex
	state  SourceState
	config SessionConfig

	source AcquisitionSource
	engine *MathEngine

	history  *BoundedHistory
	acq      *AcquisitionLoop
	sink     *CsvSinkLoop
	feed     *PlotFeed
	writer   *CsvWriter
	sinkStop chan struct{}

	counters     sessionCounters
	plotInterval time.Duration
	consumers    []func(PlotSnapshot)

	clientUpdates chan<- ClientUpdate
	db            *sessiondb.Connection
	dbMsg         *sessiondb.SessionMessage

	sessionID ulid.ULID
	startTime time.Time
}

// NewSessionController creates an idle controller around the given source.
// updates may be nil; status messages are then dropped.
func NewSessionController(source AcquisitionSource, updates chan<- ClientUpdate) *SessionController {
	return &SessionController{
		state:         Inactive,
		config:        DefaultSessionConfig(),
		source:        source,
		engine:        NewMathEngine(),
		clientUpdates: updates,
		db:            sessiondb.DummyConnection(),
	}
}

// SetDatabase attaches a session-recording database connection.
func (c *SessionController) SetDatabase(db *sessiondb.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

// SetPlotInterval overrides the plot feed cadence. Zero keeps the default.
// Only used before Start; mainly a test hook.
func (c *SessionController) SetPlotInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plotInterval = d
}

// statusf sends a human-readable status line to clients. Non-blocking: a
// slow or absent client must never stall the pipeline.
func (c *SessionController) statusf(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	UpdateLogger.Println(text)
	if c.clientUpdates == nil {
		return
	}
	select {
	case c.clientUpdates <- ClientUpdate{Tag: "STATUS", State: StatusMessage{Text: text}}:
	default:
	}
}

// requireStopped returns a ConfigError unless the controller is idle.
func (c *SessionController) requireStopped(what string) error {
	if c.state != Inactive {
		return &ConfigError{Field: what, Reason: "acquisition is running; stop first"}
	}
	return nil
}

// Config returns a copy of the current session configuration.
func (c *SessionController) Config() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.config
	cfg.Channels = append([]ChannelConfig(nil), c.config.Channels...)
	return cfg
}

// SetSampleRate sets the target streaming rate. Stopped-only.
func (c *SessionController) SetSampleRate(hz int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("SampleRateHz"); err != nil {
		return err
	}
	candidate := c.config
	candidate.SampleRateHz = hz
	if err := candidate.Validate(); err != nil {
		return err
	}
	c.config = candidate
	c.statusf("Sample rate set: %d Hz (block size: %d)", hz, candidate.BlockSize())
	return nil
}

// SetTimeline sets the visible plot window in seconds. Stopped-only.
func (c *SessionController) SetTimeline(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("TimelineSeconds"); err != nil {
		return err
	}
	candidate := c.config
	candidate.TimelineSeconds = seconds
	if err := candidate.Validate(); err != nil {
		return err
	}
	c.config = candidate
	c.statusf("Timeline: %.1f seconds", seconds)
	return nil
}

// SetCacheDir sets the directory CSV cache files are created in.
// Stopped-only.
func (c *SessionController) SetCacheDir(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("CacheDir"); err != nil {
		return err
	}
	if dir == "" {
		return &ConfigError{Field: "CacheDir", Reason: "empty directory"}
	}
	c.config.CacheDir = dir
	return nil
}

// ConfigureChannel replaces (or adds) one channel's settings. Stopped-only.
func (c *SessionController) ConfigureChannel(cc ChannelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("Channels"); err != nil {
		return err
	}
	candidate := c.config
	candidate.Channels = append([]ChannelConfig(nil), c.config.Channels...)
	replaced := false
	for i := range candidate.Channels {
		if candidate.Channels[i].Channel == cc.Channel {
			candidate.Channels[i] = cc
			replaced = true
			break
		}
	}
	if !replaced {
		candidate.Channels = append(candidate.Channels, cc)
	}
	if err := candidate.Validate(); err != nil {
		return err
	}
	c.config = candidate
	c.statusf("Channel %s: enabled=%t, %s, %s, offset %.6f V",
		cc.Channel, cc.Enabled, cc.Range, cc.Coupling, cc.Offset)
	return nil
}

// AddMathChannel validates and registers a derived channel. Stopped-only.
func (c *SessionController) AddMathChannel(cfg MathChannelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("MathChannels"); err != nil {
		return err
	}
	return c.engine.AddFormula(cfg)
}

// RemoveMathChannel removes a derived channel. Stopped-only.
func (c *SessionController) RemoveMathChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("MathChannels"); err != nil {
		return err
	}
	c.engine.RemoveFormula(name)
	return nil
}

// MathChannels returns the enabled derived-channel configs.
func (c *SessionController) MathChannels() []MathChannelConfig {
	return c.engine.Configs()
}

// ZeroOffset captures a zero-calibration for one channel: it averages 100
// readings and stores the negated mean as the channel's offset, so a
// constant baseline reads as zero afterwards. Allowed only while stopped.
func (c *SessionController) ZeroOffset(id ChannelID) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStopped("ZeroOffset"); err != nil {
		return 0, err
	}
	cc, ok := c.config.ChannelByID(id)
	if !ok || !cc.Enabled {
		return 0, &ConfigError{Field: "ZeroOffset",
			Reason: fmt.Sprintf("channel %s is not enabled", id)}
	}
	if err := c.source.Configure(c.config); err != nil {
		return 0, err
	}

	// The source emits all enabled channels per read; pick ours out.
	idx := 0
	for _, enabled := range c.config.EnabledChannels() {
		if enabled == id {
			break
		}
		idx++
	}
	readings := make([]float64, 0, zeroOffsetSamples)
	for i := 0; i < zeroOffsetSamples; i++ {
		s, err := c.source.Read()
		if err != nil {
			return 0, &AcquisitionError{Op: "zero-offset read", Err: err}
		}
		if idx < len(s.Values) {
			readings = append(readings, s.Values[idx])
		}
	}
	if len(readings) == 0 {
		return 0, &AcquisitionError{Op: "zero-offset read",
			Err: fmt.Errorf("no readings for channel %s", id)}
	}
	offset := -stat.Mean(readings, nil)
	for i := range c.config.Channels {
		if c.config.Channels[i].Channel == id {
			c.config.Channels[i].Offset = offset
		}
	}
	c.statusf("Channel %s offset set to %.6f V", id, offset)
	return offset, nil
}

// cacheFilename builds the timestamped per-session CSV path.
func (c *SessionController) cacheFilename() string {
	stamp := time.Now().UTC().Format("2006_01_02_15.04.05")
	name := fmt.Sprintf("picolog_%s_%s.csv", stamp, c.sessionID)
	return filepath.Join(c.config.CacheDir, name)
}

// Start begins a fresh acquisition session: counters cleared, history
// rebuilt, CSV sink opened, and the three pipeline actors launched.
// A no-op error is returned if a session is already active.
func (c *SessionController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Inactive {
		return fmt.Errorf("cannot Start a session that is %v, not Inactive", c.state)
	}
	c.state = Starting

	if err := c.config.Validate(); err != nil {
		c.state = Inactive
		return err
	}
	if err := c.source.Configure(c.config); err != nil {
		c.state = Inactive
		return err
	}
	c.source.ResetSession()

	c.counters.reset()
	c.engine.ClearHistory()
	c.sessionID = ulid.Make()
	c.startTime = time.Now()

	chanNames := make([]string, 0, len(c.config.Channels))
	for _, id := range c.config.EnabledChannels() {
		chanNames = append(chanNames, id.String())
	}
	mathNames := c.engine.Names()
	c.history = NewBoundedHistory(c.config.TimelineSeconds, c.config.SampleRateHz,
		chanNames, mathNames)

	c.writer = NewMultiChannelCsvWriter(c.cacheFilename(), c.config.Channels, c.engine.Configs())
	if err := c.writer.Open(); err != nil {
		c.state = Inactive
		c.writer = nil
		return err
	}

	proc := NewSampleProcessor(c.config, c.engine)
	c.acq = NewAcquisitionLoop(c.source, proc, &c.counters, c.config.SampleRateHz,
		c.onAcquisitionError,
		func(msg string) { c.statusf("Warning: %s", msg) })

	c.sinkStop = make(chan struct{})
	c.sink = NewCsvSinkLoop(c.writer, c.acq.CsvQueue(), c.sinkStop, &c.counters.saved,
		func(err error) { ProblemLogger.Println(err); c.statusf("%v", err) })

	c.feed = NewPlotFeed(c.acq.PlotQueue(), c.history, c.plotInterval)
	for _, fn := range c.consumers {
		c.feed.AddConsumer(fn)
	}

	c.acq.Start()
	c.sink.Start()
	c.feed.Start()
	c.state = Active

	c.dbMsg = &sessiondb.SessionMessage{
		ID:           c.sessionID.String(),
		Hostname:     Build.Host,
		Version:      Build.Version,
		SourceName:   fmt.Sprintf("%T", c.source),
		CacheFile:    c.writer.Path(),
		SampleRateHz: c.config.SampleRateHz,
		Nchannels:    len(chanNames),
		NmathChans:   len(mathNames),
		Start:        c.startTime,
	}
	c.db.RecordSession(c.dbMsg)

	c.statusf("Streaming at %d Hz to %s", c.config.SampleRateHz, c.writer.Path())
	return nil
}

// onAcquisitionError handles a fatal read failure reported by the
// acquisition loop. It runs on the loop goroutine, so the stop sequence is
// dispatched to a fresh goroutine.
func (c *SessionController) onAcquisitionError(err error) {
	ProblemLogger.Println(err)
	c.statusf("Connection lost: %v", err)
	go c.Stop()
}

// Stop signals both loops and the plot feed to exit, joins them with a
// bounded timeout, then flushes and closes the CSV sink unconditionally.
// Stopping an idle controller is a no-op.
func (c *SessionController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *SessionController) stopLocked() error {
	if c.state == Inactive || c.state == Stopping {
		return nil
	}
	c.state = Stopping

	c.acq.Stop()
	waitWithTimeout(c.acq.Done(), joinTimeout)

	// The sink's final drain persists everything still queued.
	closeIfOpen(c.sinkStop)
	waitWithTimeout(c.sink.Done(), joinTimeout)

	c.feed.Stop()

	// Teardown happens even if a join timed out: leaking the file handle
	// would be worse than closing under a straggler.
	if err := c.writer.Close(); err != nil {
		ProblemLogger.Printf("closing CSV sink: %v\n", err)
	}

	if c.dbMsg != nil {
		c.dbMsg.Acquired = c.counters.acquired.Load()
		c.dbMsg.Saved = c.counters.saved.Load()
		c.db.FinishSession(c.dbMsg)
		c.dbMsg = nil
	}

	c.state = Inactive
	c.statusf("Stopped")
	return nil
}

// Reset stops any running session, clears all retained history and
// counters, and zeroes the source's session counters so the next session
// starts at t=0 with no residual data.
func (c *SessionController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stopLocked(); err != nil {
		return err
	}
	if c.history != nil {
		c.history.Clear()
	}
	c.engine.ClearHistory()
	c.counters.reset()
	c.source.ResetSession()
	c.statusf("Data reset")
	return nil
}

// Close releases the hardware. The controller is unusable afterwards.
func (c *SessionController) Close() {
	c.Stop()
	c.source.Close()
}

// Running reports whether a session is active.
func (c *SessionController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active
}

// AddPlotConsumer registers a snapshot consumer for all future sessions.
func (c *SessionController) AddPlotConsumer(fn func(PlotSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, fn)
	if c.feed != nil {
		c.feed.AddConsumer(fn)
	}
}

// Snapshot returns a copy of the retained history, or an empty snapshot
// when no session has run yet.
func (c *SessionController) Snapshot() PlotSnapshot {
	c.mu.Lock()
	h := c.history
	c.mu.Unlock()
	if h == nil {
		return PlotSnapshot{Channels: map[string][]float64{}}
	}
	return h.Snapshot()
}

// ExportSnapshot writes the retained history to a NumPy .npy file and
// returns the column names in file order.
func (c *SessionController) ExportSnapshot(filename string) ([]string, error) {
	return WriteSnapshotNPY(filename, c.Snapshot())
}

// Stats returns the current throughput counters and session identity.
func (c *SessionController) Stats() SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := SessionStats{
		Running:      c.state == Active,
		SampleRateHz: c.config.SampleRateHz,
		Acquired:     c.counters.acquired.Load(),
		Processed:    c.counters.processed.Load(),
		Saved:        c.counters.saved.Load(),
		PlotDrops:    c.counters.plotDrops.Load(),
		CsvDrops:     c.counters.csvDrops.Load(),
	}
	if c.sessionID != (ulid.ULID{}) {
		stats.SessionID = c.sessionID.String()
	}
	if c.history != nil {
		stats.HistoryLen = c.history.Len()
		stats.HistoryDrops = c.history.Dropped()
	}
	if c.writer != nil {
		stats.CacheFile = c.writer.Path()
	}
	return stats
}

// waitWithTimeout waits for ch to close, giving up after d.
func waitWithTimeout(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
