package picolog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/picodaq/picolog/internal/rowbuf"
)

// csvRowQueueDepth is the depth of the rowbuf queue behind the CSV file.
// It is generous because a full queue means persisted-record data loss,
// which is always reported (unlike plot drops).
const csvRowQueueDepth = 8192

// CsvWriter owns one CSV output file. Exactly one writer is open per
// session, and only the CSV sink loop ever writes to it.
type CsvWriter struct {
	path         string
	file         *os.File
	rows         *rowbuf.Writer
	multiChannel bool
	channels     []ChannelConfig
	mathChannels []MathChannelConfig
}

// NewCsvWriter creates a single-channel writer with the legacy
// "timestamp,value" format.
func NewCsvWriter(path string) *CsvWriter {
	return &CsvWriter{path: path}
}

// NewMultiChannelCsvWriter creates a writer producing the multi-channel
// format: "#" metadata lines describing channel and math configuration,
// then a header row, then one row per sample.
func NewMultiChannelCsvWriter(path string, channels []ChannelConfig, mathChannels []MathChannelConfig) *CsvWriter {
	enabled := make([]ChannelConfig, 0, len(channels))
	for _, cc := range channels {
		if cc.Enabled {
			enabled = append(enabled, cc)
		}
	}
	return &CsvWriter{
		path:         path,
		multiChannel: true,
		channels:     enabled,
		mathChannels: mathChannels,
	}
}

// Path returns the output filename.
func (w *CsvWriter) Path() string { return w.path }

// Open creates the file (and any missing parent directories) and writes the
// header.
func (w *CsvWriter) Open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0775); err != nil {
		return err
	}
	f, err := os.Create(w.path)
	if err != nil {
		return err
	}
	w.file = f
	w.rows = rowbuf.NewWriter(f, csvRowQueueDepth, time.Second)
	if w.multiChannel {
		err = w.writeMultiChannelHeader()
	} else {
		err = w.rows.WriteString("timestamp,value\n")
	}
	if err == nil {
		err = w.rows.Flush()
	}
	if err != nil {
		return &SinkWriteError{Path: w.path, Err: err}
	}
	return nil
}

func (w *CsvWriter) writeMultiChannelHeader() error {
	var b strings.Builder
	fmt.Fprintf(&b, "# picolog v%s - Multi-Channel Data with Math Channels\n", Build.Version)
	fmt.Fprintf(&b, "# Timestamp: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	for _, cc := range w.channels {
		fmt.Fprintf(&b, "# Channel %s: %s, %s, Offset: %.3fV\n",
			cc.Channel, cc.Range, cc.Coupling, cc.Offset)
	}
	for _, mc := range w.mathChannels {
		fmt.Fprintf(&b, "# %s: %s\n", mc.Name, mc.Formula)
	}
	b.WriteString("timestamp")
	for _, cc := range w.channels {
		fmt.Fprintf(&b, ",Channel_%s", cc.Channel)
	}
	for _, mc := range w.mathChannels {
		b.WriteByte(',')
		b.WriteString(mc.Title())
	}
	b.WriteByte('\n')
	return w.rows.WriteString(b.String())
}

// formatTimestamp scales the decimal precision to the timestamp magnitude:
// sub-millisecond values need 9 decimals to stay distinguishable, whole
// seconds only 3.
func formatTimestamp(t float64) string {
	switch {
	case t < 0.001:
		return fmt.Sprintf("%.9f", t)
	case t < 1.0:
		return fmt.Sprintf("%.6f", t)
	}
	return fmt.Sprintf("%.3f", t)
}

// WriteBatch appends all samples of one drain cycle as a single write, then
// flushes. Durability is preferred over raw throughput here.
func (w *CsvWriter) WriteBatch(samples []ProcessedSample) error {
	if w.rows == nil || len(samples) == 0 {
		return nil
	}
	var b strings.Builder
	for _, s := range samples {
		b.WriteString(formatTimestamp(s.Time))
		if w.multiChannel {
			for i := range w.channels {
				v := 0.0
				if i < len(s.Values) {
					v = s.Values[i]
				}
				fmt.Fprintf(&b, ",%.6f", v)
			}
			for _, mc := range w.mathChannels {
				b.WriteByte(',')
				v, ok := s.MathValues[mc.Name]
				// NaN or Inf math results are written as an empty
				// field, never the literal "nan".
				if ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
					fmt.Fprintf(&b, "%.6f", v)
				}
			}
		} else {
			v := 0.0
			if len(s.Values) > 0 {
				v = s.Values[0]
			}
			fmt.Fprintf(&b, ",%.6f", v)
		}
		b.WriteByte('\n')
	}
	if err := w.rows.WriteString(b.String()); err != nil {
		return &SinkWriteError{Path: w.path, Err: err}
	}
	if err := w.rows.Flush(); err != nil {
		return &SinkWriteError{Path: w.path, Err: err}
	}
	return nil
}

// Close flushes and closes the file. Safe to call more than once.
func (w *CsvWriter) Close() error {
	var flushErr error
	if w.rows != nil {
		flushErr = w.rows.Close()
		w.rows = nil
	}
	if w.file != nil {
		closeErr := w.file.Close()
		w.file = nil
		if flushErr != nil {
			return &SinkWriteError{Path: w.path, Err: flushErr}
		}
		return closeErr
	}
	if flushErr != nil {
		return &SinkWriteError{Path: w.path, Err: flushErr}
	}
	return nil
}

// CsvSinkLoop drains the CSV queue on its own goroutine and performs
// batched, flushed writes. It never crashes the acquisition side: write
// failures are reported and draining continues.
type CsvSinkLoop struct {
	writer *CsvWriter
	queue  <-chan []ProcessedSample
	abort  <-chan struct{}
	done   chan struct{}
	saved  *atomic.Uint64
	report func(error)
}

// NewCsvSinkLoop wires a sink loop to its queue. report receives asynchronous
// write errors; saved counts samples durably handed to the writer.
func NewCsvSinkLoop(writer *CsvWriter, queue <-chan []ProcessedSample,
	abort <-chan struct{}, saved *atomic.Uint64, report func(error)) *CsvSinkLoop {
	return &CsvSinkLoop{
		writer: writer,
		queue:  queue,
		abort:  abort,
		done:   make(chan struct{}),
		saved:  saved,
		report: report,
	}
}

// Start launches the drain goroutine.
func (cl *CsvSinkLoop) Start() {
	go cl.run()
}

// Done is closed when the loop has exited and residual data is flushed.
func (cl *CsvSinkLoop) Done() <-chan struct{} { return cl.done }

func (cl *CsvSinkLoop) run() {
	defer close(cl.done)
	for {
		select {
		case <-cl.abort:
			// Final drain: anything still queued is flushed before the
			// sink closes, so no sample that reached the processor is
			// silently dropped from the persisted file.
			cl.drainOnce()
			return
		case block := <-cl.queue:
			batch := cl.gather(block)
			cl.writeBatch(batch)
		}
	}
}

// gather collects every block already queued into one batch, preserving
// acquisition order.
func (cl *CsvSinkLoop) gather(first []ProcessedSample) []ProcessedSample {
	batch := first
	for {
		select {
		case block := <-cl.queue:
			batch = append(batch, block...)
		default:
			return batch
		}
	}
}

func (cl *CsvSinkLoop) drainOnce() {
	var batch []ProcessedSample
	for {
		select {
		case block := <-cl.queue:
			batch = append(batch, block...)
		default:
			cl.writeBatch(batch)
			return
		}
	}
}

func (cl *CsvSinkLoop) writeBatch(batch []ProcessedSample) {
	if len(batch) == 0 {
		return
	}
	if err := cl.writer.WriteBatch(batch); err != nil {
		cl.report(err)
		return
	}
	cl.saved.Add(uint64(len(batch)))
}
