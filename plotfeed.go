package picolog

import (
	"sync"
	"time"
)

// defaultPlotInterval decouples plot refresh from the acquisition rate: the
// feed drains whatever accumulated since the last tick, however fast the
// producer runs.
const defaultPlotInterval = 100 * time.Millisecond

// PlotFeed drains the plot queue on a fixed-interval timer, appends into
// the bounded history, and emits an immutable snapshot to every registered
// consumer. If a tick finds the queue empty, nothing is emitted.
type PlotFeed struct {
	queue    <-chan []ProcessedSample
	history  *BoundedHistory
	interval time.Duration

	mu        sync.Mutex
	consumers []func(PlotSnapshot)

	abort chan struct{}
	done  chan struct{}
}

// NewPlotFeed wires a feed to its queue and history. interval <= 0 selects
// the default 10 Hz refresh.
func NewPlotFeed(queue <-chan []ProcessedSample, history *BoundedHistory, interval time.Duration) *PlotFeed {
	if interval <= 0 {
		interval = defaultPlotInterval
	}
	return &PlotFeed{
		queue:    queue,
		history:  history,
		interval: interval,
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddConsumer registers a snapshot consumer (a GUI adapter, a test harness).
// Consumers run on the feed's goroutine and should return quickly.
func (pf *PlotFeed) AddConsumer(fn func(PlotSnapshot)) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.consumers = append(pf.consumers, fn)
}

// Start launches the timer goroutine.
func (pf *PlotFeed) Start() {
	go pf.run()
}

// Stop halts the timer. One final drain runs before exit so samples already
// queued still reach the history.
func (pf *PlotFeed) Stop() {
	closeIfOpen(pf.abort)
	<-pf.done
}

func (pf *PlotFeed) run() {
	defer close(pf.done)
	ticker := time.NewTicker(pf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pf.abort:
			pf.tick()
			return
		case <-ticker.C:
			pf.tick()
		}
	}
}

// tick drains every queued block, appends them in order, and emits one
// snapshot if anything arrived.
func (pf *PlotFeed) tick() {
	var got bool
	for {
		select {
		case block := <-pf.queue:
			pf.history.Append(block)
			got = true
		default:
			if !got {
				return
			}
			snap := pf.history.Snapshot()
			pf.mu.Lock()
			consumers := append(([]func(PlotSnapshot))(nil), pf.consumers...)
			pf.mu.Unlock()
			for _, fn := range consumers {
				fn(snap)
			}
			return
		}
	}
}
