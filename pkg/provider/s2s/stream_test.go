package s2s_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

func TestStream_PreservesSendOrder(t *testing.T) {
	t.Parallel()

	st := s2s.NewStream(8, 1)
	for i := range 5 {
		if err := st.Enqueue(wire.Packet{Data: string(rune('a' + i))}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	for i := range 5 {
		got := <-st.Outgoing()
		if want := string(rune('a' + i)); got.Data != want {
			t.Errorf("packet %d = %q, want %q", i, got.Data, want)
		}
	}
}

func TestStream_QueueFull(t *testing.T) {
	t.Parallel()

	st := s2s.NewStream(1, 1)
	if err := st.Enqueue(wire.Packet{}); err != nil {
		t.Fatal(err)
	}
	if err := st.Enqueue(wire.Packet{}); !errors.Is(err, s2s.ErrSendQueueFull) {
		t.Errorf("got %v, want ErrSendQueueFull", err)
	}
}

func TestStream_FailEmitsOnceAndCloses(t *testing.T) {
	t.Parallel()

	st := s2s.NewStream(1, 4)
	st.Go(func() { <-st.Context().Done() })
	st.Seal()

	st.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{Kind: s2s.KindNetworkDrop}})
	st.Fail(s2s.Event{Type: s2s.EventClosed})

	var got []s2s.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				if len(got) != 1 || got[0].Type != s2s.EventError {
					t.Fatalf("events = %+v, want exactly one error", got)
				}
				if err := st.Enqueue(wire.Packet{}); !errors.Is(err, s2s.ErrSessionClosed) {
					t.Errorf("Enqueue after failure: got %v, want ErrSessionClosed", err)
				}
				return
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event channel never closed")
		}
	}
}

func TestStream_ShutdownSuppressesFail(t *testing.T) {
	t.Parallel()

	st := s2s.NewStream(1, 4)
	st.Seal()
	st.Shutdown()
	st.Fail(s2s.Event{Type: s2s.EventClosed})

	select {
	case ev, ok := <-st.Events():
		if ok {
			t.Errorf("unexpected event %v after local shutdown", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel never closed")
	}
}
