package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(stage Stage) Event {
	evt := Event{
		RunID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		TS:    time.Now().UTC(),
		Stage: stage,
	}
	if stage == StagePageDone {
		evt.PageKey = "0:42"
		evt.Outcome = OutcomeScraped
	}
	return evt
}

func TestHubDeliversAndFlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(StageRunStart))
	for i := 0; i < 10; i++ {
		hub.Emit(validEvent(StagePageDone))
	}
	hub.Emit(validEvent(StageRunDone))

	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 12)
	require.Equal(t, StageRunStart, got[0].Stage)
	require.Equal(t, StageRunDone, got[len(got)-1].Stage)
	require.True(t, sink.closed)
}

func TestHubBatchesBySize(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 5, MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(validEvent(StagePageDone))
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, time.Second, 5*time.Millisecond, "a full batch flushes without waiting for the timer")

	require.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StageRunStart})                  // missing run id
	hub.Emit(validEvent(Stage("BOGUS")))                   // unknown stage
	hub.Emit(Event{RunID: uuid.New(), Stage: StageRunDone}) // missing timestamp
	hub.Emit(validEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 1)
}

func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageRunStart))
	require.Empty(t, sink.snapshot())
}

func TestHubNeverBlocksWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingSink{release: block}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: time.Millisecond}, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Emit(validEvent(StagePageDone))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a saturated hub")
	}

	close(block)
	require.NoError(t, hub.Close(context.Background()))
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Consume(context.Context, []Event) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }
