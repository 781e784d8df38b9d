package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got []Event
	eb.On(EventGenerationStarted, func(e Event) { got = append(got, e) })

	eb.Emit(Event{Type: EventGenerationStarted, ChatID: "c1", StreamID: "s1"})
	eb.Emit(Event{Type: EventGenerationFinished, ChatID: "c1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].StreamID != "s1" || got[0].Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	count := 0
	eb.On(Wildcard, func(e Event) { count++ })

	eb.Emit(Event{Type: EventChatCreated})
	eb.Emit(Event{Type: EventChatDeleted})

	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	first, second := 0, 0
	id := eb.On("x", func(e Event) { first++ })
	eb.On("x", func(e Event) { second++ })

	eb.Emit(Event{Type: "x"})
	eb.Off("x", id)
	eb.Emit(Event{Type: "x"})

	if first != 1 || second != 2 {
		t.Errorf("expected first=1 second=2, got %d %d", first, second)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if n := len(eb.Replay("a", time.Time{})); n != 2 {
		t.Errorf("expected 2 'a' events, got %d", n)
	}
	if n := len(eb.Replay(Wildcard, threshold)); n != 3 {
		t.Errorf("expected 3 events since threshold, got %d", n)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	after := false
	eb.On("panic", func(e Event) { panic("test panic") })
	eb.On("panic", func(e Event) { after = true })

	eb.Emit(Event{Type: "panic"})
	if !after {
		t.Error("handler after the panicking one was not called")
	}
}

func TestEventBus_NilDiscards(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "ignored"})
}

func TestEvent_Duration(t *testing.T) {
	ev := Event{Payload: map[string]any{"elapsed": 2 * time.Second, "bad": "x"}}
	if ev.Duration("elapsed") != 2*time.Second {
		t.Error("expected 2s")
	}
	if ev.Duration("bad") != 0 || ev.Duration("missing") != 0 {
		t.Error("expected zero for non-duration values")
	}
}
