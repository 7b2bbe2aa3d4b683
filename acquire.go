package picolog

import (
	"sync"
	"sync/atomic"
	"time"
)

// The acquisition loop runs at a fixed wall-clock block cadence. The number
// of samples read per block adapts to the configured sample rate so the
// cadence stays constant as the rate grows, capped for responsiveness.
const (
	blockCadenceHz  = 100
	maxBlockSamples = 50
)

// Bounded queue depths for the two consumer paths. The plot queue is small
// because stale plot data is worthless; the CSV queue is deeper because a
// drop there is persisted-record data loss.
const (
	plotQueueDepth = 10
	csvQueueDepth  = 100
)

// sessionCounters are the throughput counters shared across the pipeline
// goroutines. All fields are atomics; Stats() takes a coherent-enough copy.
type sessionCounters struct {
	acquired  atomic.Uint64
	processed atomic.Uint64
	saved     atomic.Uint64
	plotDrops atomic.Uint64
	csvDrops  atomic.Uint64
}

func (c *sessionCounters) reset() {
	c.acquired.Store(0)
	c.processed.Store(0)
	c.saved.Store(0)
	c.plotDrops.Store(0)
	c.csvDrops.Store(0)
}

// AcquisitionLoop is the producer: it pulls blocks of samples from the
// source at a fixed cadence, runs them through the processor, and fans the
// processed blocks out to the plot and CSV queues.
//
// Any read error is fatal to the session: a lost hardware handle or USB
// disconnect is not safely retryable without a reconnect decided by the
// operator, so the loop stops itself and reports rather than retrying.
type AcquisitionLoop struct {
	source    AcquisitionSource
	proc      *SampleProcessor
	counters  *sessionCounters
	plotQueue chan []ProcessedSample
	csvQueue  chan []ProcessedSample

	sampleRateHz int
	onFatal      func(error)  // called once, from the loop goroutine
	onWarning    func(string) // non-fatal operational warnings

	abort     chan struct{}
	done      chan struct{}
	state     SourceState
	stateLock sync.Mutex
}

// NewAcquisitionLoop builds an idle loop. onFatal and onWarning may be nil.
func NewAcquisitionLoop(source AcquisitionSource, proc *SampleProcessor,
	counters *sessionCounters, sampleRateHz int,
	onFatal func(error), onWarning func(string)) *AcquisitionLoop {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	if onWarning == nil {
		onWarning = func(string) {}
	}
	return &AcquisitionLoop{
		source:       source,
		proc:         proc,
		counters:     counters,
		sampleRateHz: sampleRateHz,
		onFatal:      onFatal,
		onWarning:    onWarning,
		plotQueue:    make(chan []ProcessedSample, plotQueueDepth),
		csvQueue:     make(chan []ProcessedSample, csvQueueDepth),
		state:        Inactive,
	}
}

// PlotQueue is the consumer end for the plot feed.
func (al *AcquisitionLoop) PlotQueue() <-chan []ProcessedSample { return al.plotQueue }

// CsvQueue is the consumer end for the CSV sink loop.
func (al *AcquisitionLoop) CsvQueue() <-chan []ProcessedSample { return al.csvQueue }

// Running tells whether the loop is actively acquiring.
func (al *AcquisitionLoop) Running() bool {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.state == Active
}

// Start launches the producer goroutine. It is a no-op if the loop is
// already running.
func (al *AcquisitionLoop) Start() {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.state != Inactive {
		return
	}
	al.state = Active
	al.abort = make(chan struct{})
	al.done = make(chan struct{})
	go al.run()
}

// Stop signals the loop to exit. Safe to call repeatedly and while stopped.
func (al *AcquisitionLoop) Stop() {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.state != Active {
		return
	}
	al.state = Stopping
	closeIfOpen(al.abort)
}

// Done is closed when the producer goroutine has exited.
func (al *AcquisitionLoop) Done() <-chan struct{} {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.done
}

func (al *AcquisitionLoop) setInactive() {
	al.stateLock.Lock()
	al.state = Inactive
	al.stateLock.Unlock()
}

// samplesPerBlock adapts block size to the target rate so block cadence is
// roughly constant: higher rate means a larger block per tick, capped.
func (al *AcquisitionLoop) samplesPerBlock() int {
	n := al.sampleRateHz / blockCadenceHz
	if n < 1 {
		n = 1
	}
	if n > maxBlockSamples {
		n = maxBlockSamples
	}
	return n
}

func (al *AcquisitionLoop) run() {
	defer close(al.done)
	defer al.setInactive()

	period := time.Second / blockCadenceHz
	perBlock := al.samplesPerBlock()
	lastread := time.Now()

	for {
		nextread := lastread.Add(period)
		if waittime := time.Until(nextread); waittime > 0 {
			select {
			case <-al.abort:
				return
			case <-time.After(waittime):
			}
		} else {
			select {
			case <-al.abort:
				return
			default:
			}
		}
		lastread = time.Now()

		block := make([]Sample, 0, perBlock)
		var readErr error
		for i := 0; i < perBlock; i++ {
			s, err := al.source.Read()
			if err != nil {
				readErr = err
				break
			}
			block = append(block, s)
			al.counters.acquired.Add(1)
		}

		// Whatever was read before a failure is still processed and
		// forwarded: samples that reached the loop are never silently lost.
		if len(block) > 0 {
			processed := al.proc.ProcessBlock(block)
			al.counters.processed.Add(uint64(len(processed)))
			al.dispatch(processed)
		}

		if readErr != nil {
			al.onFatal(&AcquisitionError{Op: "read", Err: readErr})
			return
		}
	}
}

// dispatch forwards one processed block to both consumer queues. The plot
// queue favors freshness: a full queue silently drops the newest block
// (counted). A full CSV queue is a correctness-relevant event and is
// reported as a warning.
func (al *AcquisitionLoop) dispatch(block []ProcessedSample) {
	select {
	case al.plotQueue <- block:
	default:
		al.counters.plotDrops.Add(1)
	}
	select {
	case al.csvQueue <- block:
	default:
		al.counters.csvDrops.Add(uint64(len(block)))
		al.onWarning("CSV queue full - data may be lost")
	}
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
