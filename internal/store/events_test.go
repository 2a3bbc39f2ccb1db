package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
)

// seedEvent inserts a finalized or partial event with sequence n.
func seedEvent(t *testing.T, s *Store, userID string, n int64, streaming int, origin string) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		return InsertEvent(tx, Event{
			ID:                  fmt.Sprintf("s_%s_%d", userID, n),
			UserID:              userID,
			Sequence:            n,
			OriginatingDeviceID: origin,
			Type:                "message",
			Streaming:           streaming,
			PayloadJSON:         fmt.Sprintf(`{"seq":%d}`, n),
			PayloadBytes:        10,
			Timestamp:           1000 + n,
		})
	})
}

func TestEventsAfterOrderingAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 1, StreamFinal, "dev-1")
	seedEvent(t, s, "user_a", 2, StreamFinal, "")
	seedEvent(t, s, "user_a", 3, StreamPartial, "")
	seedEvent(t, s, "user_a", 4, StreamFailed, "")
	seedEvent(t, s, "user_b", 1, StreamFinal, "dev-9")

	events, err := s.EventsAfter(ctx, "user_a", 1, 100)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	// Sequence 3 is an in-flight partial and must be skipped; the
	// failed row at 4 replays with its last snapshot.
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Sequence != 2 || events[1].Sequence != 4 {
		t.Fatalf("sequences = %d,%d, want 2,4", events[0].Sequence, events[1].Sequence)
	}
	if events[1].Streaming != StreamFailed {
		t.Fatalf("event 4 streaming = %d, want %d", events[1].Streaming, StreamFailed)
	}
}

func TestEventsAfterLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for n := int64(1); n <= 5; n++ {
		seedEvent(t, s, "user_a", n, StreamFinal, "")
	}

	events, err := s.EventsAfter(ctx, "user_a", 0, 3)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	// Ascending from the anchor, not from the tail.
	if events[0].Sequence != 1 {
		t.Fatalf("first sequence = %d, want 1", events[0].Sequence)
	}
}

func TestTailEventsKeepsNewestOldestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for n := int64(1); n <= 5; n++ {
		seedEvent(t, s, "user_a", n, StreamFinal, "")
	}

	events, err := s.TailEvents(ctx, "user_a", 2)
	if err != nil {
		t.Fatalf("TailEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Sequence != 4 || events[1].Sequence != 5 {
		t.Fatalf("sequences = %d,%d, want 4,5", events[0].Sequence, events[1].Sequence)
	}
}

func TestEventSequenceScopedToUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 7, StreamFinal, "")

	seq, ok, err := s.EventSequence(ctx, "s_user_a_7", "user_a")
	if err != nil || !ok || seq != 7 {
		t.Fatalf("EventSequence own user = (%d,%v,%v), want (7,true,nil)", seq, ok, err)
	}

	// The same event ID anchored by the wrong user resolves to nothing.
	_, ok, err = s.EventSequence(ctx, "s_user_a_7", "user_b")
	if err != nil {
		t.Fatalf("EventSequence: %v", err)
	}
	if ok {
		t.Fatal("anchor resolved across users")
	}

	_, ok, err = s.EventSequence(ctx, "s_never", "user_a")
	if err != nil || ok {
		t.Fatalf("unknown anchor = (%v,%v), want (false,nil)", ok, err)
	}
}

func TestHasFinalAssistantAfter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 1, StreamFinal, "dev-1") // user echo
	seedEvent(t, s, "user_a", 2, StreamPartial, "")    // in-flight assistant

	ok, err := s.HasFinalAssistantAfter(ctx, "user_a", 1)
	if err != nil {
		t.Fatalf("HasFinalAssistantAfter: %v", err)
	}
	if ok {
		t.Fatal("partial assistant row counted as final")
	}

	seedEvent(t, s, "user_a", 3, StreamFinal, "") // assistant final
	ok, err = s.HasFinalAssistantAfter(ctx, "user_a", 1)
	if err != nil {
		t.Fatalf("HasFinalAssistantAfter: %v", err)
	}
	if !ok {
		t.Fatal("assistant final after anchor not found")
	}

	// A user echo after the anchor is not an assistant reply.
	ok, err = s.HasFinalAssistantAfter(ctx, "user_a", 3)
	if err != nil {
		t.Fatalf("HasFinalAssistantAfter: %v", err)
	}
	if ok {
		t.Fatal("nothing past sequence 3 should count")
	}
}

func TestStreamLifecycleUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 1, StreamPartial, "")
	id := "s_user_a_1"

	inTx(t, s, func(tx *sql.Tx) error {
		return UpdateEventPayload(tx, id, `{"partial":true}`, 16, 2000)
	})

	events, err := s.EventsAfter(ctx, "user_a", 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("partial row leaked into replay")
	}

	inTx(t, s, func(tx *sql.Tx) error {
		return SetEventFinal(tx, id, `{"final":true}`, 14, 3000)
	})

	events, err = s.EventsAfter(ctx, "user_a", 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 1 || events[0].PayloadJSON != `{"final":true}` || events[0].Timestamp != 3000 {
		t.Fatalf("finalized event = %+v", events)
	}
}

func TestPromptEventsExcludesFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 1, StreamFinal, "dev-1")
	seedEvent(t, s, "user_a", 2, StreamFailed, "")
	seedEvent(t, s, "user_a", 3, StreamFinal, "")
	seedEvent(t, s, "user_a", 4, StreamFinal, "dev-1")

	events, err := s.PromptEvents(ctx, "user_a", 4, 10)
	if err != nil {
		t.Fatalf("PromptEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 3 {
		t.Fatalf("sequences = %d,%d, want 1,3", events[0].Sequence, events[1].Sequence)
	}
}

func TestPromptEventsWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 6; i++ {
		seedEvent(t, s, "user_a", i, StreamFinal, "")
	}

	// Only the newest two rows below the bound, oldest first.
	events, err := s.PromptEvents(ctx, "user_a", 6, 2)
	if err != nil {
		t.Fatalf("PromptEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Sequence != 4 || events[1].Sequence != 5 {
		t.Fatalf("sequences = %d,%d, want 4,5", events[0].Sequence, events[1].Sequence)
	}
}

func TestCountReplayableAfter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedEvent(t, s, "user_a", 1, StreamFinal, "dev-1")
	seedEvent(t, s, "user_a", 2, StreamPartial, "")
	seedEvent(t, s, "user_a", 3, StreamFailed, "")
	seedEvent(t, s, "user_b", 1, StreamFinal, "")

	n, err := s.CountReplayableAfter(ctx, "user_a", 0)
	if err != nil {
		t.Fatalf("CountReplayableAfter: %v", err)
	}
	// The partial at 2 is invisible to replay; the failed row counts.
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	n, err = s.CountReplayableAfter(ctx, "user_a", 1)
	if err != nil {
		t.Fatalf("CountReplayableAfter: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after 1 = %d, want 1", n)
	}
}
