package federation

import (
	"strconv"
	"testing"
)

func TestDedupSetRecordFirstSeen(t *testing.T) {
	d := NewDedupSet()
	if !d.Record("peer-a:1") {
		t.Fatal("expected first record of an event ID to report new")
	}
	if d.Record("peer-a:1") {
		t.Fatal("expected re-recording the same event ID to report duplicate")
	}
}

func TestDedupSetSeenWithoutRecording(t *testing.T) {
	d := NewDedupSet()
	if d.Seen("peer-a:1") {
		t.Fatal("expected unseen event to report false")
	}
	d.Record("peer-a:1")
	if !d.Seen("peer-a:1") {
		t.Fatal("expected recorded event to report seen")
	}
}

func TestDedupSetIndependentOrigins(t *testing.T) {
	d := NewDedupSet()
	d.Record("peer-a:5")
	if d.Seen("peer-b:5") {
		t.Fatal("expected counters to be scoped per origin")
	}
}

func TestDedupSetOutOfOrderWithinRing(t *testing.T) {
	d := NewDedupSet()
	d.Record("peer-a:2")
	d.Record("peer-a:1") // arrives after 2, still within the ring window

	if d.Record("peer-a:1") {
		t.Fatal("expected replay of an out-of-order event to be caught by the ring")
	}
}

func TestDedupSetHighWaterMarkCatchesOldReplay(t *testing.T) {
	d := NewDedupSet()
	for i := uint64(1); i <= dedupRingSize+5; i++ {
		d.Record(eventIDFor("peer-a", i))
	}
	// Counter 1 fell out of the ring long ago but is still below the
	// high-water mark, so it must still be treated as seen.
	if !d.Seen(eventIDFor("peer-a", 1)) {
		t.Fatal("expected an event below the high-water mark to be treated as seen")
	}
}

func TestDedupSetMalformedEventIDNeverSeen(t *testing.T) {
	d := NewDedupSet()
	if d.Seen("not-a-valid-id") {
		t.Fatal("expected malformed event ID to report unseen")
	}
	if !d.Record("not-a-valid-id") {
		t.Fatal("expected malformed event ID to always report as new (never dedup-blocked)")
	}
}

func eventIDFor(origin string, counter uint64) string {
	return origin + ":" + strconv.FormatUint(counter, 10)
}
