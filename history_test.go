package picolog

import (
	"math"
	"testing"
)

func sampleBlock(start int, n int) []ProcessedSample {
	block := make([]ProcessedSample, n)
	for i := range block {
		k := start + i
		block[i] = ProcessedSample{
			Sample: Sample{
				Time:   float64(k) * 0.01,
				Values: []float64{float64(k), float64(-k)},
			},
			MathValues: map[string]float64{"m": float64(2 * k)},
		}
	}
	return block
}

func TestHistoryAppendAndSnapshot(t *testing.T) {
	h := NewBoundedHistory(60, 100, []string{"A", "B"}, []string{"m"})
	h.Append(sampleBlock(0, 3))

	snap := h.Snapshot()
	if len(snap.Times) != 3 {
		t.Fatalf("snapshot has %d samples, want 3", len(snap.Times))
	}
	wantOrder := []string{"A", "B", "m"}
	for i, key := range wantOrder {
		if snap.Order[i] != key {
			t.Fatalf("Order = %v, want %v", snap.Order, wantOrder)
		}
	}
	if snap.Channels["A"][2] != 2 || snap.Channels["B"][2] != -2 || snap.Channels["m"][2] != 4 {
		t.Errorf("snapshot values wrong: A=%v B=%v m=%v",
			snap.Channels["A"], snap.Channels["B"], snap.Channels["m"])
	}

	// Snapshots are copies: mutating one must not touch the history.
	snap.Channels["A"][0] = 999
	snap2 := h.Snapshot()
	if snap2.Channels["A"][0] == 999 {
		t.Errorf("snapshot shares storage with the history")
	}
}

func TestHistoryCapacityClamp(t *testing.T) {
	if got := NewBoundedHistory(1, 100, nil, nil).Capacity(); got != historyMinCapacity {
		t.Errorf("small session capacity = %d, want clamp to %d", got, historyMinCapacity)
	}
	if got := NewBoundedHistory(3600, 100000, nil, nil).Capacity(); got != historyMaxCapacity {
		t.Errorf("huge session capacity = %d, want clamp to %d", got, historyMaxCapacity)
	}
	if got := NewBoundedHistory(60, 1000, nil, nil).Capacity(); got != 120000 {
		t.Errorf("capacity = %d, want timeline*rate*2 = 120000", got)
	}
}

func TestHistoryTrimsOldestFirst(t *testing.T) {
	h := NewBoundedHistory(1, 100, []string{"A", "B"}, []string{"m"})
	capacity := h.Capacity()

	total := capacity + capacity/5 + 500
	added := 0
	for added < total {
		n := 1000
		if total-added < n {
			n = total - added
		}
		h.Append(sampleBlock(added, n))
		added += n
	}

	if h.Len() > capacity+capacity/5 {
		t.Errorf("Len = %d, exceeds capacity bound %d", h.Len(), capacity+capacity/5)
	}
	if h.Dropped() == 0 {
		t.Errorf("Dropped should be nonzero after overflow")
	}

	snap := h.Snapshot()
	// Trimming removed from the oldest end, so the newest sample survives.
	last := len(snap.Times) - 1
	if snap.Channels["A"][last] != float64(total-1) {
		t.Errorf("newest sample lost: A[last] = %v, want %v", snap.Channels["A"][last], total-1)
	}
	// All remaining timestamps are still strictly increasing.
	for i := 1; i < len(snap.Times); i++ {
		if snap.Times[i] <= snap.Times[i-1] {
			t.Fatalf("timestamps out of order after trim at %d", i)
		}
	}
	// Every series trimmed together.
	for _, key := range snap.Order {
		if len(snap.Channels[key]) != len(snap.Times) {
			t.Errorf("series %s length %d != time axis %d", key, len(snap.Channels[key]), len(snap.Times))
		}
	}
}

func TestHistoryMissingMathValueIsNaN(t *testing.T) {
	h := NewBoundedHistory(60, 100, []string{"A"}, []string{"m"})
	h.Append([]ProcessedSample{{
		Sample: Sample{Time: 0, Values: []float64{1.0}},
		// no MathValues at all
	}})
	snap := h.Snapshot()
	if !math.IsNaN(snap.Channels["m"][0]) {
		t.Errorf("missing math value = %v, want NaN", snap.Channels["m"][0])
	}
}

func TestHistorySeriesStayAlignedWithShortSamples(t *testing.T) {
	h := NewBoundedHistory(1, 100, []string{"A", "B"}, []string{"m"})
	capacity := h.Capacity()

	// Samples carrying only channel A: B is padded with NaN so every
	// series keeps one value per sample.
	short := make([]ProcessedSample, 1000)
	for i := range short {
		short[i] = ProcessedSample{Sample: Sample{
			Time:   float64(i) * 0.01,
			Values: []float64{float64(i)},
		}}
	}
	h.Append(short)
	snap := h.Snapshot()
	if !math.IsNaN(snap.Channels["B"][0]) {
		t.Errorf("missing physical value = %v, want NaN", snap.Channels["B"][0])
	}

	// Force a trim and confirm the arrays trimmed together.
	total := 1000
	for total < capacity+capacity/5+500 {
		h.Append(sampleBlock(total, 1000))
		total += 1000
	}
	snap = h.Snapshot()
	for _, key := range snap.Order {
		if len(snap.Channels[key]) != len(snap.Times) {
			t.Errorf("series %s length %d != time axis %d after trim",
				key, len(snap.Channels[key]), len(snap.Times))
		}
	}
}

func TestHistoryClear(t *testing.T) {
	h := NewBoundedHistory(60, 100, []string{"A", "B"}, nil)
	h.Append(sampleBlock(0, 10))
	h.Clear()
	if h.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", h.Len())
	}
	if h.Dropped() != 0 {
		t.Errorf("Dropped after Clear = %d, want 0", h.Dropped())
	}
	// Still usable after a clear.
	h.Append(sampleBlock(0, 5))
	if h.Len() != 5 {
		t.Errorf("Len after re-append = %d, want 5", h.Len())
	}
}
