package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestAggregateLossPct(t *testing.T) {
	snap := Snapshot{Sessions: map[int]SessionStats{
		0: {SentOriginalPackets: 900, SentRetransmittedPackets: 100},
		1: {SentOriginalPackets: 100, SentRetransmittedPackets: 0},
	}}
	got := snap.AggregateLossPct()
	want := 10.0
	if got != want {
		t.Fatalf("AggregateLossPct() = %v, want %v", got, want)
	}
}

func TestAggregateLossPctNoTraffic(t *testing.T) {
	snap := Snapshot{}
	if got := snap.AggregateLossPct(); got != 0 {
		t.Fatalf("AggregateLossPct() on empty snapshot = %v, want 0", got)
	}
}

func TestAggregateRTTMillisMax(t *testing.T) {
	snap := Snapshot{Sessions: map[int]SessionStats{
		0: {RoundTripTime: 50 * time.Millisecond},
		1: {RoundTripTime: 200 * time.Millisecond},
	}}
	if got := snap.AggregateRTTMillis(false); got != 200 {
		t.Fatalf("AggregateRTTMillis(false) = %v, want 200", got)
	}
}

func TestAggregateRTTMillisWeighted(t *testing.T) {
	snap := Snapshot{Sessions: map[int]SessionStats{
		0: {SentOriginalPackets: 900, RoundTripTime: 100 * time.Millisecond},
		1: {SentOriginalPackets: 100, RoundTripTime: 200 * time.Millisecond},
	}}
	got := snap.AggregateRTTMillis(true)
	want := 110.0
	if got != want {
		t.Fatalf("AggregateRTTMillis(true) = %v, want %v", got, want)
	}
}

func TestAnyHaveReport(t *testing.T) {
	snap := Snapshot{Sessions: map[int]SessionStats{
		0: {RRHaveReport: false},
		1: {RRHaveReport: false},
	}}
	if snap.AnyHaveReport() {
		t.Fatal("AnyHaveReport() should be false when no session has a report")
	}
	snap.Sessions[1] = SessionStats{RRHaveReport: true}
	if !snap.AnyHaveReport() {
		t.Fatal("AnyHaveReport() should be true when at least one session has a report")
	}
}

type fakeSender struct{ stats SessionStats }

func (f fakeSender) Stats() SessionStats                          { return f.stats }
func (f fakeSender) Send(ctx context.Context, buf []byte) error { return nil }

func TestFetch(t *testing.T) {
	senders := map[int]Sender{
		0: fakeSender{stats: SessionStats{SentOriginalPackets: 10}},
		1: fakeSender{stats: SessionStats{SentOriginalPackets: 20}},
	}
	snap := Fetch(senders)
	if len(snap.Sessions) != 2 {
		t.Fatalf("len(snap.Sessions) = %d, want 2", len(snap.Sessions))
	}
	if snap.Sessions[1].SentOriginalPackets != 20 {
		t.Fatalf("snap.Sessions[1].SentOriginalPackets = %d, want 20", snap.Sessions[1].SentOriginalPackets)
	}
	if snap.SampledAt.IsZero() {
		t.Fatal("SampledAt must be set")
	}
}
