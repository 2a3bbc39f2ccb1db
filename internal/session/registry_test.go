package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/clawline/clawline/internal/protocol"
)

type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	sendErr  error
	closed   bool
	closeArg protocol.Code
}

func (f *fakeSink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) CloseWith(code protocol.Code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeArg = code
}

func (f *fakeSink) closedWith() (bool, protocol.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeArg
}

func (f *fakeSink) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	sink := &fakeSink{}
	s := New("sess-1", "dev-1", "user_a", false, sink)

	r.Register(s)

	got, ok := r.ByDevice("dev-1")
	if !ok || got != s {
		t.Fatalf("ByDevice = (%v,%v)", got, ok)
	}
	if n := len(r.ByUser("user_a")); n != 1 {
		t.Fatalf("ByUser count = %d, want 1", n)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestTakeoverClosesOldSession(t *testing.T) {
	r := NewRegistry()
	oldSink := &fakeSink{}
	newSink := &fakeSink{}
	old := New("sess-1", "dev-1", "user_a", false, oldSink)
	replacement := New("sess-2", "dev-1", "user_a", false, newSink)

	r.Register(old)
	r.Register(replacement)

	closed, code := oldSink.closedWith()
	if !closed || code != protocol.CodeSessionReplaced {
		t.Fatalf("old sink closed = (%v,%s), want (true,session_replaced)", closed, code)
	}

	got, _ := r.ByDevice("dev-1")
	if got != replacement {
		t.Fatal("replacement is not the current session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	// The displaced session is out of the fan-out set.
	r.Broadcast("user_a", []byte(`{}`))
	if oldSink.frameCount() != 0 {
		t.Fatal("displaced session still received fan-out")
	}
	if newSink.frameCount() != 1 {
		t.Fatalf("replacement received %d frames, want 1", newSink.frameCount())
	}
}

func TestUnregisterIgnoresDisplacedSession(t *testing.T) {
	r := NewRegistry()
	old := New("sess-1", "dev-1", "user_a", false, &fakeSink{})
	replacement := New("sess-2", "dev-1", "user_a", false, &fakeSink{})

	r.Register(old)
	r.Register(replacement)

	// The old read pump exits late and unregisters; that must not evict
	// the replacement.
	r.Unregister(old)

	got, ok := r.ByDevice("dev-1")
	if !ok || got != replacement {
		t.Fatal("stale Unregister removed the replacement session")
	}
}

func TestBroadcastReachesAllUserDevices(t *testing.T) {
	r := NewRegistry()
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	other := &fakeSink{}
	r.Register(New("sess-a", "dev-a", "user_1", false, sinkA))
	r.Register(New("sess-b", "dev-b", "user_1", false, sinkB))
	r.Register(New("sess-c", "dev-c", "user_2", false, other))

	r.Broadcast("user_1", []byte(`{"type":"message"}`))

	if sinkA.frameCount() != 1 || sinkB.frameCount() != 1 {
		t.Fatalf("user_1 sinks got %d/%d frames, want 1/1", sinkA.frameCount(), sinkB.frameCount())
	}
	if other.frameCount() != 0 {
		t.Fatal("broadcast leaked across users")
	}
}

func TestBroadcastExceptSkipsSource(t *testing.T) {
	r := NewRegistry()
	source := &fakeSink{}
	sibling := &fakeSink{}
	r.Register(New("sess-a", "dev-a", "user_1", false, source))
	r.Register(New("sess-b", "dev-b", "user_1", false, sibling))

	r.BroadcastExcept("user_1", "sess-a", []byte(`{"type":"typing"}`))

	if source.frameCount() != 0 {
		t.Fatal("frame echoed back to the excluded session")
	}
	if sibling.frameCount() != 1 {
		t.Fatalf("sibling got %d frames, want 1", sibling.frameCount())
	}
}

func TestBroadcastDropsFailedSession(t *testing.T) {
	r := NewRegistry()
	full := &fakeSink{sendErr: errors.New("buffer full")}
	healthy := &fakeSink{}
	r.Register(New("sess-a", "dev-a", "user_1", false, full))
	r.Register(New("sess-b", "dev-b", "user_1", false, healthy))

	r.Broadcast("user_1", []byte(`{}`))

	if closed, _ := full.closedWith(); !closed {
		t.Fatal("overflowing session was not closed")
	}
	if _, ok := r.ByDevice("dev-a"); ok {
		t.Fatal("overflowing session still registered")
	}
	// The healthy sibling is unaffected.
	if healthy.frameCount() != 1 {
		t.Fatalf("healthy session got %d frames, want 1", healthy.frameCount())
	}
	if _, ok := r.ByDevice("dev-b"); !ok {
		t.Fatal("healthy session was dropped")
	}
}

func TestAdmins(t *testing.T) {
	r := NewRegistry()
	r.Register(New("sess-a", "dev-a", "user_1", true, &fakeSink{}))
	r.Register(New("sess-b", "dev-b", "user_2", false, &fakeSink{}))

	admins := r.Admins()
	if len(admins) != 1 || admins[0].DeviceID != "dev-a" {
		t.Fatalf("Admins = %v", admins)
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	r.Register(New("sess-a", "dev-a", "user_1", false, sinkA))
	r.Register(New("sess-b", "dev-b", "user_2", false, sinkB))

	r.CloseAll(protocol.CodeServerError, "shutting down")

	if r.Count() != 0 {
		t.Fatalf("Count after CloseAll = %d, want 0", r.Count())
	}
	for _, sink := range []*fakeSink{sinkA, sinkB} {
		if closed, _ := sink.closedWith(); !closed {
			t.Fatal("session not closed by CloseAll")
		}
	}
}
