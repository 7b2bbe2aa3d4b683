package picolog

import (
	"testing"
	"time"
)

func TestPlotFeedDeliversSnapshots(t *testing.T) {
	queue := make(chan []ProcessedSample, plotQueueDepth)
	history := NewBoundedHistory(60, 100, []string{"A", "B"}, nil)
	feed := NewPlotFeed(queue, history, 5*time.Millisecond)

	snapshots := make(chan PlotSnapshot, 16)
	feed.AddConsumer(func(snap PlotSnapshot) { snapshots <- snap })
	feed.Start()

	queue <- sampleBlock(0, 3)
	queue <- sampleBlock(3, 2)

	var snap PlotSnapshot
	deadline := time.After(2 * time.Second)
	for len(snap.Times) < 5 {
		select {
		case snap = <-snapshots:
		case <-deadline:
			t.Fatalf("snapshot with 5 samples never arrived, have %d", len(snap.Times))
		}
	}
	if snap.Channels["A"][4] != 4 {
		t.Errorf("A[4] = %v, want 4", snap.Channels["A"][4])
	}
	feed.Stop()
}

func TestPlotFeedFinalDrainOnStop(t *testing.T) {
	queue := make(chan []ProcessedSample, plotQueueDepth)
	history := NewBoundedHistory(60, 100, []string{"A", "B"}, nil)
	// A very long interval: only the final drain can move the data.
	feed := NewPlotFeed(queue, history, time.Hour)
	feed.Start()

	queue <- sampleBlock(0, 4)
	feed.Stop()

	if history.Len() != 4 {
		t.Errorf("history has %d samples after Stop, want 4 from the final drain", history.Len())
	}
}

func TestPlotFeedEmptyTickEmitsNothing(t *testing.T) {
	queue := make(chan []ProcessedSample, plotQueueDepth)
	history := NewBoundedHistory(60, 100, []string{"A", "B"}, nil)
	feed := NewPlotFeed(queue, history, time.Millisecond)

	emitted := make(chan struct{}, 64)
	feed.AddConsumer(func(PlotSnapshot) { emitted <- struct{}{} })
	feed.Start()
	time.Sleep(20 * time.Millisecond)
	feed.Stop()

	if len(emitted) != 0 {
		t.Errorf("empty queue produced %d snapshots, want 0", len(emitted))
	}
}
