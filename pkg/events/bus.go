package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aiops-hub/maestro/pkg/models"
)

// SubscriberBuffer is the per-subscriber mailbox size. A subscriber that
// falls this far behind is disconnected; it reconnects with its last seen
// sequence for lossless resumption.
const SubscriberBuffer = 128

// DefaultTerminalGrace is how long a topic stays open after its terminal
// event so attached subscribers can drain.
const DefaultTerminalGrace = 60 * time.Second

// Store is the durable log the bus writes through. Implemented by the
// execution log service.
type Store interface {
	// AppendEvent persists one log row. The (execution_id, sequence) pair
	// is unique; the bus serializes appends per execution.
	AppendEvent(ctx context.Context, log *models.ExecutionLog) error
	// EventsRange returns rows with sequence > after, ordered by sequence.
	// A positive before bounds the range exclusively.
	EventsRange(ctx context.Context, executionID string, after, before int64) ([]*models.ExecutionLog, error)
}

// Bus fans events out to per-execution topics with durable replay.
type Bus struct {
	store         Store
	heartbeat     time.Duration
	terminalGrace time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

// NewBus creates the bus. heartbeat is the per-subscriber silence interval;
// terminalGrace is how long topics linger after the terminal event. Zero
// values select the defaults.
func NewBus(store Store, heartbeat, terminalGrace time.Duration) *Bus {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if terminalGrace <= 0 {
		terminalGrace = DefaultTerminalGrace
	}
	return &Bus{
		store:         store,
		heartbeat:     heartbeat,
		terminalGrace: terminalGrace,
		topics:        make(map[string]*topic),
	}
}

// topic is one execution's live stream state.
type topic struct {
	executionID string

	// mu guards everything below. It is held across the log append so that
	// sequence assignment and persistence commute: rows land in the log in
	// sequence order, and a snapshot of nextSeq cleanly splits replay from
	// live delivery.
	mu       sync.Mutex
	nextSeq  int64
	subs     map[uint64]*subscriber
	nextSub  uint64
	terminal bool
	closed   bool
}

type subscriber struct {
	id uint64
	ch chan *Event
}

// Publish assigns the next sequence, persists the event, then delivers it
// to live subscribers. A failed append is retried once; a second failure is
// returned to the caller, which fails the execution.
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	t := b.getOrCreate(evt.ExecutionID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("publishing %s: topic for execution %s is closed", evt.Type, evt.ExecutionID)
	}
	evt.Sequence = t.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := b.store.AppendEvent(ctx, evt.ToLog()); err != nil {
		slog.Warn("Event persist failed, retrying once",
			"execution_id", evt.ExecutionID, "type", evt.Type, "sequence", evt.Sequence, "error", err)
		if err = b.store.AppendEvent(ctx, evt.ToLog()); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("persisting event %s seq %d: %w", evt.Type, evt.Sequence, err)
		}
	}
	t.nextSeq++

	for id, sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber: drop it, never block the topic.
			slog.Warn("Disconnecting slow subscriber",
				"execution_id", evt.ExecutionID, "subscriber", id)
			close(sub.ch)
			delete(t.subs, id)
		}
	}
	isTerminal := IsTerminalEventType(evt.Type)
	if isTerminal {
		t.terminal = true
	}
	t.mu.Unlock()

	if isTerminal {
		time.AfterFunc(b.terminalGrace, func() { b.closeTopic(t) })
	}
	return nil
}

// Subscribe returns an ordered stream of the execution's events with
// sequence > since, replaying from the log and then following the live
// topic. The returned cancel func releases the subscription; the channel
// is closed when the stream ends.
func (b *Bus) Subscribe(parent context.Context, executionID string, since int64) (<-chan *Event, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	out := make(chan *Event)
	go func() {
		defer close(out)
		b.stream(ctx, executionID, since, out)
	}()
	return out, cancel
}

// stream replays and follows until the terminal event is delivered, the
// subscriber is dropped, or ctx is done.
func (b *Bus) stream(ctx context.Context, executionID string, since int64, out chan<- *Event) {
	for {
		t := b.lookup(executionID)
		if t == nil {
			// No live topic: the execution is either finished past its
			// grace period or has not published yet. Replay whatever the
			// log holds, then re-check for a topic that appeared meanwhile.
			last, sawTerminal, err := b.replayRange(ctx, executionID, since, 0, out)
			if err != nil || sawTerminal {
				return
			}
			if b.lookup(executionID) == nil {
				return
			}
			since = last
			continue
		}
		if b.follow(ctx, t, since, out) {
			return
		}
		// Topic was already closed when we tried to attach; nothing was
		// delivered, so finish from the log.
		b.replayRange(ctx, executionID, since, 0, out)
		return
	}
}

// follow attaches to a live topic: snapshot the split point, replay the
// log below it, then forward live events with heartbeats. Returns false
// only when the topic was closed before attachment.
func (b *Bus) follow(ctx context.Context, t *topic, since int64, out chan<- *Event) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if t.terminal {
		// The terminal event is already durable; the log alone finishes
		// the stream.
		t.mu.Unlock()
		b.replayRange(ctx, t.executionID, since, 0, out)
		return true
	}
	from := t.nextSeq
	sub := &subscriber{id: t.nextSub, ch: make(chan *Event, SubscriberBuffer)}
	t.nextSub++
	t.subs[sub.id] = sub
	t.mu.Unlock()
	defer b.detach(t, sub.id)

	// Rows < from are durable (appends happen under the topic lock before
	// nextSeq advances); events >= from arrive on sub.ch. Together they
	// cover (since, terminal] exactly once.
	if _, sawTerminal, err := b.replayRange(ctx, t.executionID, since, from, out); err != nil || sawTerminal {
		return true
	}

	timer := time.NewTimer(b.heartbeat)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-sub.ch:
			if !ok {
				// Dropped as slow, or topic reclaimed after terminal.
				return true
			}
			if evt.Sequence <= since {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return true
			}
			if IsTerminalEventType(evt.Type) {
				return true
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(b.heartbeat)
		case <-timer.C:
			hb := b.heartbeatEvent(t)
			select {
			case out <- hb:
			case <-ctx.Done():
				return true
			}
			timer.Reset(b.heartbeat)
		case <-ctx.Done():
			return true
		}
	}
}

// replayRange streams persisted rows with sequence in (after, before) to
// out, returning the last delivered sequence and whether a terminal event
// was among them. before <= 0 means unbounded.
func (b *Bus) replayRange(ctx context.Context, executionID string, after, before int64, out chan<- *Event) (int64, bool, error) {
	if before > 0 && before <= after+1 {
		return after, false, nil
	}
	rows, err := b.store.EventsRange(ctx, executionID, after, before)
	if err != nil {
		slog.Error("Event replay failed", "execution_id", executionID, "error", err)
		return after, false, err
	}
	last, sawTerminal := after, false
	for _, row := range rows {
		select {
		case out <- FromLog(row):
		case <-ctx.Done():
			return last, sawTerminal, ctx.Err()
		}
		last = row.Sequence
		if IsTerminalEventType(row.EventType) {
			sawTerminal = true
		}
	}
	return last, sawTerminal, nil
}

func (b *Bus) heartbeatEvent(t *topic) *Event {
	t.mu.Lock()
	next := t.nextSeq
	t.mu.Unlock()
	return &Event{
		ExecutionID: t.executionID,
		Timestamp:   time.Now().UTC(),
		Type:        EventTypeHeartbeat,
		ExtraData:   map[string]any{"next_sequence": next},
	}
}

func (b *Bus) getOrCreate(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{
			executionID: executionID,
			nextSeq:     1,
			subs:        make(map[uint64]*subscriber),
		}
		b.topics[executionID] = t
	}
	return t
}

func (b *Bus) lookup(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[executionID]
}

func (b *Bus) detach(t *topic, subID uint64) {
	t.mu.Lock()
	delete(t.subs, subID)
	t.mu.Unlock()
}

// closeTopic reclaims a topic after the terminal grace period. Remaining
// subscribers have long since received the terminal event; their channels
// close and later subscribes read purely from the log.
func (b *Bus) closeTopic(t *topic) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		close(sub.ch)
		delete(t.subs, id)
	}
	t.mu.Unlock()

	b.mu.Lock()
	if cur, ok := b.topics[t.executionID]; ok && cur == t {
		delete(b.topics, t.executionID)
	}
	b.mu.Unlock()
}

// NextSequence reports the sequence the execution's next event would get.
// Used by tests and the health surface; 1 means nothing published yet.
func (b *Bus) NextSequence(executionID string) int64 {
	t := b.lookup(executionID)
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq
}
