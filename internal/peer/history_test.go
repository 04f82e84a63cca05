package peer

import "testing"

func TestMessageHistoryBufferWrapsAndPreservesOrder(t *testing.T) {
	mh := newMessageHistoryBuffer(3)

	for i := 0; i < 5; i++ {
		mh.Add(&Event{MessageType: "have", PayloadSize: i})
	}

	events, err := mh.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	// Only the last 3 adds (payload sizes 2,3,4) should survive the wrap.
	for i, want := range []int{2, 3, 4} {
		if events[i].PayloadSize != want {
			t.Fatalf("event %d: got payload size %d, want %d", i, events[i].PayloadSize, want)
		}
	}
}

func TestMessageHistoryBufferGetEmpty(t *testing.T) {
	mh := newMessageHistoryBuffer(2)

	if _, err := mh.Get(1); err == nil {
		t.Fatalf("expected error reading from empty buffer")
	}
}

func TestMessageHistoryBufferGetCapsBatchSize(t *testing.T) {
	mh := newMessageHistoryBuffer(4)
	mh.Add(&Event{MessageType: "choke"})
	mh.Add(&Event{MessageType: "unchoke"})

	events, err := mh.Get(10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected batch capped at buffer size 2, got %d", len(events))
	}
}
