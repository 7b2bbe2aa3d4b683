// Package rowbuf provides an asynchronous, row-oriented buffered writer.
// Rows are queued on a channel and written by a dedicated goroutine, so the
// caller never blocks on disk I/O. A periodic flush bounds how long a row
// can sit in the buffer; Flush gives a synchronous durability point.
package rowbuf

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// ErrQueueFull is returned by WriteRow when the row queue is full. The
// caller decides whether that is a reportable data-loss event.
var ErrQueueFull = errors.New("rowbuf: row queue full")

// Writer queues rows for asynchronous writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer
	rows          chan []byte   // rows waiting to be written
	flushNow      chan struct{} // request an immediate flush
	flushComplete chan error    // flush (or close) finished, carrying any write error
	flushInterval time.Duration
}

// NewWriter starts a Writer over w with the given queue depth and periodic
// flush interval.
func NewWriter(w io.Writer, queueDepth int, flushInterval time.Duration) *Writer {
	rw := &Writer{
		writer:        bufio.NewWriter(w),
		rows:          make(chan []byte, queueDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan error),
		flushInterval: flushInterval,
	}
	go rw.writeLoop()
	return rw
}

// WriteRow queues one row (the caller includes any line terminator). The
// slice is owned by the Writer after the call. Returns ErrQueueFull rather
// than blocking when the write goroutine is behind.
func (rw *Writer) WriteRow(row []byte) error {
	select {
	case rw.rows <- row:
		return nil
	default:
		return ErrQueueFull
	}
}

// WriteString queues a string row.
func (rw *Writer) WriteString(s string) error {
	return rw.WriteRow([]byte(s))
}

// Flush drains all queued rows to the underlying writer and flushes it.
// Blocks until the data has been handed to the io.Writer. The returned
// error is bufio's sticky write error, so a disk-full or closed-file
// condition surfaces here even if the failing write happened earlier on a
// periodic flush.
func (rw *Writer) Flush() error {
	rw.flushNow <- struct{}{}
	return <-rw.flushComplete
}

// Close flushes remaining rows and stops the write goroutine, returning any
// sticky write error. WriteRow or Flush after Close will panic; callers
// must not do that.
func (rw *Writer) Close() error {
	close(rw.flushNow)
	return <-rw.flushComplete
}

func (rw *Writer) writeLoop() {
	ticker := time.NewTicker(rw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case row := <-rw.rows:
			rw.writer.Write(row)

		case _, ok := <-rw.flushNow:
			rw.flushComplete <- rw.drainAndFlush()
			if !ok {
				return
			}

		case <-ticker.C:
			rw.drainAndFlush()
		}
	}
}

// drainAndFlush empties the row queue into the bufio.Writer, then flushes.
// bufio keeps its first write error sticky, so the returned error reflects
// any earlier failed write too.
func (rw *Writer) drainAndFlush() error {
	for {
		select {
		case row := <-rw.rows:
			rw.writer.Write(row)
		default:
			return rw.writer.Flush()
		}
	}
}
