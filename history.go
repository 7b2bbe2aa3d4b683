package picolog

import (
	"math"
	"sync"
)

// Capacity policy for the retained plotting history.
const (
	historyMinCapacity    = 10000
	historyMaxCapacity    = 500000
	historyRetentionScale = 2.0 // retain 2x the visible timeline
)

// PlotSnapshot is an immutable copy of the retained history: a shared time
// axis plus one value array per physical and math channel. Consumers may
// keep or mutate it freely; the history never hands out live references.
type PlotSnapshot struct {
	Times    []float64
	Channels map[string][]float64
	Order    []string // channel keys in column order (physical, then math)
}

// BoundedHistory is the in-memory retained-history store behind live
// plotting. All parallel arrays (time axis, every channel) are appended and
// trimmed together under one mutex, so a snapshot never observes half-trimmed
// state. Trimming always removes from the oldest end.
type BoundedHistory struct {
	mu       sync.Mutex
	capacity int
	keys     []string
	nphys    int // first nphys keys are physical channels, the rest math
	times    []float64
	series   [][]float64 // parallel to keys, always equal length to times
	dropped  uint64      // total samples discarded by trimming
}

// NewBoundedHistory sizes the history from the visible timeline and sample
// rate: clamp(timeline * rate * 2, 10k, 500k) samples. chanNames are the
// physical channel keys ("A", "B", ...), mathNames the derived ones; together
// they fix the snapshot column order.
func NewBoundedHistory(timelineSeconds float64, sampleRateHz int, chanNames, mathNames []string) *BoundedHistory {
	capacity := int(timelineSeconds * float64(sampleRateHz) * historyRetentionScale)
	if capacity < historyMinCapacity {
		capacity = historyMinCapacity
	}
	if capacity > historyMaxCapacity {
		capacity = historyMaxCapacity
	}
	keys := make([]string, 0, len(chanNames)+len(mathNames))
	keys = append(keys, chanNames...)
	keys = append(keys, mathNames...)
	series := make([][]float64, len(keys))
	return &BoundedHistory{capacity: capacity, keys: keys, nphys: len(chanNames), series: series}
}

// Capacity returns the configured retention bound in samples.
func (h *BoundedHistory) Capacity() int { return h.capacity }

// Append adds a processed block to the history, trimming the oldest entries
// from all arrays together once the count exceeds 1.2x capacity. The
// hysteresis keeps appends from trimming on every block.
func (h *BoundedHistory) Append(block []ProcessedSample) {
	if len(block) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range block {
		h.times = append(h.times, s.Time)
		// Every series gets exactly one value per sample: a short sample
		// pads missing physical channels with NaN, so the parallel arrays
		// stay index-aligned no matter what the source produced.
		for i := range h.keys {
			v := math.NaN()
			if i < h.nphys {
				if i < len(s.Values) {
					v = s.Values[i]
				}
			} else if mv, ok := s.MathValues[h.keys[i]]; ok {
				v = mv
			}
			h.series[i] = append(h.series[i], v)
		}
	}

	if len(h.times) > h.capacity+h.capacity/5 {
		drop := len(h.times) - h.capacity
		h.dropped += uint64(drop)
		h.times = trimOldest(h.times, drop)
		for i := range h.series {
			h.series[i] = trimOldest(h.series[i], drop)
		}
	}
}

// trimOldest discards the first n values in place: copy the tail down and
// reslice, keeping the backing array.
func trimOldest(s []float64, n int) []float64 {
	keep := len(s) - n
	copy(s[:keep], s[n:])
	return s[:keep]
}

// Snapshot returns a copy of the full retained history.
func (h *BoundedHistory) Snapshot() PlotSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := PlotSnapshot{
		Times:    append([]float64(nil), h.times...),
		Channels: make(map[string][]float64, len(h.keys)),
		Order:    append([]string(nil), h.keys...),
	}
	for i, key := range h.keys {
		snap.Channels[key] = append([]float64(nil), h.series[i]...)
	}
	return snap
}

// Len returns the current number of retained samples.
func (h *BoundedHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.times)
}

// Dropped returns the total number of samples discarded by trimming.
func (h *BoundedHistory) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Clear empties the history without changing its capacity.
func (h *BoundedHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.times = h.times[:0]
	for i := range h.series {
		h.series[i] = h.series[i][:0]
	}
	h.dropped = 0
}
