package picolog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testController(t *testing.T) *SessionController {
	t.Helper()
	c := NewSessionController(NewSimSineSource(), nil)
	require.NoError(t, c.SetCacheDir(t.TempDir()))
	c.SetPlotInterval(5 * time.Millisecond)
	return c
}

func waitForSamples(t *testing.T, c *SessionController, n uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.Stats().Processed < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d samples processed within 3 seconds, want %d", c.Stats().Processed, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerLifecycle(t *testing.T) {
	c := testController(t)
	require.NoError(t, c.AddMathChannel(MathChannelConfig{Name: "sum", Formula: "A+B", Enabled: true}))

	require.NoError(t, c.Start())
	assert.Error(t, c.Start(), "double Start must fail")
	assert.True(t, c.Running())

	stats := c.Stats()
	assert.NotEmpty(t, stats.SessionID)
	assert.True(t, strings.HasSuffix(stats.CacheFile, ".csv"))
	assert.Contains(t, filepath.Base(stats.CacheFile), "picolog_")
	assert.Contains(t, stats.CacheFile, stats.SessionID)

	waitForSamples(t, c, 20)
	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	require.NoError(t, c.Stop(), "Stop while stopped is a no-op")

	// Everything acquired was persisted: CSV has header lines plus one
	// row per saved sample, including the math column.
	stats = c.Stats()
	assert.Equal(t, stats.Processed, stats.Saved, "all processed samples saved")
	contents, err := os.ReadFile(stats.CacheFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	var rows []string
	for _, line := range lines {
		if !strings.HasPrefix(line, "#") {
			rows = append(rows, line)
		}
	}
	require.NotEmpty(t, rows)
	assert.Equal(t, "timestamp,Channel_A,Channel_B,sum", rows[0])
	assert.Equal(t, int(stats.Saved), len(rows)-1)

	// Snapshot carries the same column set.
	snap := c.Snapshot()
	assert.Equal(t, []string{"A", "B", "sum"}, snap.Order)
	assert.NotEmpty(t, snap.Times)
}

func TestControllerConfigLockedWhileRunning(t *testing.T) {
	c := testController(t)
	require.NoError(t, c.Start())
	defer c.Stop()

	assert.Error(t, c.SetSampleRate(200))
	assert.Error(t, c.SetTimeline(30))
	assert.Error(t, c.ConfigureChannel(ChannelConfig{Channel: 2, Enabled: true}))
	assert.Error(t, c.AddMathChannel(MathChannelConfig{Name: "m", Formula: "A", Enabled: true}))
	assert.Error(t, c.RemoveMathChannel("m"))
	_, err := c.ZeroOffset(0)
	assert.Error(t, err)

	var cfgErr *ConfigError
	assert.ErrorAs(t, c.SetSampleRate(200), &cfgErr)
}

func TestControllerConfigSetters(t *testing.T) {
	c := testController(t)

	require.NoError(t, c.SetSampleRate(500))
	assert.Equal(t, 500, c.Config().SampleRateHz)
	assert.Error(t, c.SetSampleRate(0), "invalid rate rejected")
	assert.Equal(t, 500, c.Config().SampleRateHz, "rejected rate leaves config unchanged")

	require.NoError(t, c.SetTimeline(30))
	assert.Error(t, c.SetTimeline(-5))

	require.NoError(t, c.ConfigureChannel(ChannelConfig{
		Channel: 2, Enabled: true, Coupling: CouplingAC, Range: Range1V}))
	assert.Len(t, c.Config().EnabledChannels(), 3)

	// Replacing an existing channel does not grow the list.
	require.NoError(t, c.ConfigureChannel(ChannelConfig{
		Channel: 2, Enabled: false, Range: Range1V}))
	assert.Len(t, c.Config().Channels, 3)
	assert.Len(t, c.Config().EnabledChannels(), 2)
}

func TestControllerResetClearsEverything(t *testing.T) {
	c := testController(t)
	require.NoError(t, c.AddMathChannel(MathChannelConfig{Name: "m", Formula: "avg(A)", Enabled: true}))

	require.NoError(t, c.Start())
	waitForSamples(t, c, 20)
	require.NoError(t, c.Reset())

	stats := c.Stats()
	assert.False(t, stats.Running)
	assert.Zero(t, stats.Acquired)
	assert.Zero(t, stats.Processed)
	assert.Zero(t, stats.Saved)
	assert.Empty(t, c.Snapshot().Times, "history cleared")

	// A new session starts at t=0 with no residual data.
	require.NoError(t, c.Start())
	waitForSamples(t, c, 5)
	require.NoError(t, c.Stop())
	snap := c.Snapshot()
	require.NotEmpty(t, snap.Times)
	assert.Zero(t, snap.Times[0], "timeline restarts at zero")
}

func TestControllerNewFilePerSession(t *testing.T) {
	c := testController(t)

	require.NoError(t, c.Start())
	first := c.Stats().CacheFile
	waitForSamples(t, c, 5)
	require.NoError(t, c.Stop())

	require.NoError(t, c.Start())
	second := c.Stats().CacheFile
	waitForSamples(t, c, 5)
	require.NoError(t, c.Stop())

	assert.NotEqual(t, first, second)
	for _, path := range []string{first, second} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "cache file %s exists", path)
	}
}

func TestControllerZeroOffset(t *testing.T) {
	c := testController(t)

	offset, err := c.ZeroOffset(0)
	require.NoError(t, err)
	// The simulated sine averages near zero over 100 samples at 100 Hz.
	assert.InDelta(t, 0.0, offset, 0.1)

	cc, ok := c.Config().ChannelByID(0)
	require.True(t, ok)
	assert.Equal(t, offset, cc.Offset)

	_, err = c.ZeroOffset(5)
	assert.Error(t, err, "disabled channel cannot be zeroed")
}

func TestControllerFatalSourceErrorStopsSession(t *testing.T) {
	source := &failingSource{failAfter: 10}
	c := NewSessionController(source, nil)
	require.NoError(t, c.SetCacheDir(t.TempDir()))

	require.NoError(t, c.Start())
	deadline := time.Now().Add(3 * time.Second)
	for c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("controller did not stop itself after source failure")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The samples read before the failure were still persisted.
	for c.Stats().Saved < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("saved = %d, want 10", c.Stats().Saved)
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats := c.Stats()
	assert.Equal(t, uint64(10), stats.Processed)
	assert.Equal(t, stats.Processed, stats.Saved)
}
