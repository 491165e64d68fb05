package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/models"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu         sync.Mutex
	rows       map[string][]*models.ExecutionLog
	appendErrs int
	rangeErr   error
	appends    int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]*models.ExecutionLog)}
}

func (s *memStore) AppendEvent(ctx context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.appendErrs > 0 {
		s.appendErrs--
		return errors.New("append failed")
	}
	cp := *log
	s.rows[log.ExecutionID] = append(s.rows[log.ExecutionID], &cp)
	return nil
}

func (s *memStore) EventsRange(ctx context.Context, executionID string, after, before int64) ([]*models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rangeErr != nil {
		return nil, s.rangeErr
	}
	var out []*models.ExecutionLog
	for _, r := range s.rows[executionID] {
		if r.Sequence > after && (before <= 0 || r.Sequence < before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memStore) sequences(executionID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]int64, 0, len(s.rows[executionID]))
	for _, r := range s.rows[executionID] {
		seqs = append(seqs, r.Sequence)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// collect reads n events, failing on close or timeout.
func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	out := make([]*Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			require.True(t, ok, "stream closed after %d of %d events", len(out), n)
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

// waitClosed drains the stream until it closes, tolerating heartbeats.
func waitClosed(t *testing.T, ch <-chan *Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			require.Equal(t, EventTypeHeartbeat, evt.Type, "unexpected %s while waiting for close", evt.Type)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestPublishAssignsContiguousSequences(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))
	require.NoError(t, bus.PublishNodeCompleted(ctx, "exec-1", "a1", 1, 12))

	assert.Equal(t, []int64{1, 2, 3}, store.sequences("exec-1"))
	assert.Equal(t, int64(4), bus.NextSequence("exec-1"))

	rows, err := store.EventsRange(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	for _, row := range rows {
		assert.False(t, row.Timestamp.IsZero(), "publish must stamp events")
	}
}

func TestSubscribeReplaysThenFollowsLive(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()

	replayed := collect(t, ch, 2)
	assert.Equal(t, int64(1), replayed[0].Sequence)
	assert.Equal(t, EventTypeExecutionStarted, replayed[0].Type)
	assert.Equal(t, int64(2), replayed[1].Sequence)

	require.NoError(t, bus.PublishNodeCompleted(ctx, "exec-1", "a1", 1, 12))
	live := collect(t, ch, 1)
	assert.Equal(t, int64(3), live[0].Sequence)
	assert.Equal(t, EventTypeNodeCompleted, live[0].Type)
}

func TestSubscribeResumesWithoutGapsOrDuplicates(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	for _, node := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: node, Kind: models.KindAgent}))
	}

	// A client that saw up to sequence 2 resumes from there.
	ch, cancel := bus.Subscribe(ctx, "exec-1", 2)
	defer cancel()

	got := collect(t, ch, 3)
	seqs := make([]int64, len(got))
	for i, evt := range got {
		seqs[i] = evt.Sequence
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs)
}

func TestSubscribeUnknownExecutionEndsStream(t *testing.T) {
	bus := NewBus(newMemStore(), 0, 0)

	ch, cancel := bus.Subscribe(context.Background(), "never-ran", 0)
	defer cancel()

	waitClosed(t, ch)
}

func TestTerminalEventEndsStream(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()

	started := collect(t, ch, 1)
	assert.Equal(t, EventTypeExecutionStarted, started[0].Type)

	require.NoError(t, bus.PublishTerminal(ctx, "exec-1", models.ExecutionStatusSuccess, "done"))

	terminal := collect(t, ch, 1)
	assert.Equal(t, EventTypeExecutionCompleted, terminal[0].Type)
	assert.Equal(t, int64(2), terminal[0].Sequence)
	waitClosed(t, ch)
}

func TestSubscribeAfterTerminalWithinGrace(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, time.Minute)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	require.NoError(t, bus.PublishTerminal(ctx, "exec-1", models.ExecutionStatusFailed, "boom"))

	// The topic is still live inside the grace period but already terminal;
	// a fresh subscriber must drain the log and end, not hang on the topic.
	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()

	got := collect(t, ch, 2)
	assert.Equal(t, EventTypeExecutionStarted, got[0].Type)
	assert.Equal(t, EventTypeExecutionFailed, got[1].Type)
	waitClosed(t, ch)

	// A resumer that already saw everything gets an empty, closed stream.
	ch2, cancel2 := bus.Subscribe(ctx, "exec-1", 2)
	defer cancel2()
	waitClosed(t, ch2)
}

func TestSubscribeAfterTopicReclaimed(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	require.NoError(t, bus.PublishTerminal(ctx, "exec-1", models.ExecutionStatusSuccess, "done"))

	require.Eventually(t, func() bool {
		return bus.lookup("exec-1") == nil
	}, 2*time.Second, 10*time.Millisecond, "topic must be reclaimed after the grace period")

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()

	got := collect(t, ch, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, EventTypeExecutionCompleted, got[1].Type)
	waitClosed(t, ch)
}

func TestSubscribeCancelReleasesStream(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	collect(t, ch, 1)

	cancel()
	waitClosed(t, ch)
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()
	collect(t, ch, 1)

	// Fill the mailbox without draining. Publish never blocks; once the
	// buffer overflows the subscriber is dropped and its stream closes.
	total := SubscriberBuffer + 2
	for i := 0; i < total; i++ {
		require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))
	}

	received := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Less(t, received, total, "a dropped subscriber cannot have seen every event")
				return
			}
			received++
		case <-deadline:
			t.Fatal("slow subscriber was never disconnected")
		}
	}
}

func TestHeartbeatsDuringQuietPeriods(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 30*time.Millisecond, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()
	collect(t, ch, 1)

	for i := 0; i < 2; i++ {
		hb := collect(t, ch, 1)[0]
		assert.Equal(t, EventTypeHeartbeat, hb.Type)
		assert.Zero(t, hb.Sequence, "heartbeats are not persisted and carry no sequence")
		assert.Equal(t, "exec-1", hb.ExecutionID)
		assert.Equal(t, int64(2), hb.ExtraData["next_sequence"])
	}
	assert.Equal(t, []int64{1}, store.sequences("exec-1"), "heartbeats must not reach the log")

	// A real event still comes through between heartbeats.
	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))
	for {
		evt := collect(t, ch, 1)[0]
		if evt.Type == EventTypeHeartbeat {
			continue
		}
		assert.Equal(t, int64(2), evt.Sequence)
		break
	}
}

func TestPublishRetriesFailedAppendOnce(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	store.appendErrs = 1
	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))
	assert.Equal(t, 2, store.appends, "one failure, one successful retry")
	assert.Equal(t, []int64{1}, store.sequences("exec-1"))

	// Two consecutive failures surface to the caller and do not burn the
	// sequence: the next successful publish reuses it.
	store.appendErrs = 2
	err := bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting event")

	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))
	assert.Equal(t, []int64{1, 2}, store.sequences("exec-1"))
}

func TestPerExecutionIsolation(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-a", "team-1", "first"))
	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-b", "team-1", "second"))
	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-a", &models.Node{ID: "a1", Kind: models.KindAgent}))
	require.NoError(t, bus.PublishNodeEntered(ctx, "exec-b", &models.Node{ID: "a1", Kind: models.KindAgent}))

	// Sequences are per execution, not global.
	assert.Equal(t, []int64{1, 2}, store.sequences("exec-a"))
	assert.Equal(t, []int64{1, 2}, store.sequences("exec-b"))

	ch, cancel := bus.Subscribe(ctx, "exec-a", 0)
	defer cancel()
	for _, evt := range collect(t, ch, 2) {
		assert.Equal(t, "exec-a", evt.ExecutionID)
	}
}

func TestConcurrentPublishesKeepStreamOrdered(t *testing.T) {
	store := newMemStore()
	bus := NewBus(store, 0, 0)
	ctx := context.Background()

	require.NoError(t, bus.PublishExecutionStarted(ctx, "exec-1", "team-1", "diagnose"))

	ch, cancel := bus.Subscribe(ctx, "exec-1", 0)
	defer cancel()
	collect(t, ch, 1)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, bus.PublishNodeEntered(ctx, "exec-1", &models.Node{ID: "a1", Kind: models.KindAgent}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, bus.PublishTerminal(ctx, "exec-1", models.ExecutionStatusSuccess, "done"))

	total := writers*perWriter + 1
	got := collect(t, ch, total)
	for i, evt := range got {
		assert.Equal(t, int64(i+2), evt.Sequence, "stream must be contiguous and ordered")
	}
	assert.Equal(t, EventTypeExecutionCompleted, got[total-1].Type)
	waitClosed(t, ch)
}
