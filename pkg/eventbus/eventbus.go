// Package eventbus implements the durable per-node task event log plus its
// in-memory broadcast fan-out (spec component C2).
//
// Each node_uuid gets its own strictly increasing event_id sequence. Every
// publish persists the event to the KV store before broadcasting it to live
// subscribers, so a live subscription taken before replay-since-id, with the
// live events the replay already covered skipped, never loses or duplicates
// an event under normal operation.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
)

// Kind identifies what happened to a task.
type Kind string

const (
	Create Kind = "create"
	Update Kind = "update"
	Delete Kind = "delete"
)

// ErrResyncRequired is delivered to a subscriber whose buffer overflowed;
// the subscriber must call ReplaySince to recover the lost events.
var ErrResyncRequired = errors.New("eventbus: subscriber lagged, resync required")

var eventbusLog = log.WithComponent("eventbus")

// subscriberBuffer bounds how many undelivered events a subscriber may
// accumulate before it is considered lagged and dropped.
const subscriberBuffer = 256

// TaskEvent is a single entry in a node's durable event log.
type TaskEvent struct {
	EventID   uint64          `json:"event_id"`
	NodeUUID  string          `json:"node_uuid"`
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"task_id"`
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus is the durable+broadcast task event log.
type Bus struct {
	store kv.Store

	nodeLocksMu sync.Mutex
	nodeLocks   map[string]*sync.Mutex

	countersMu sync.Mutex
	counters   map[string]uint64

	subMu sync.RWMutex
	subs  map[string]map[*Subscription]struct{}
}

// New creates a Bus backed by store.
func New(store kv.Store) *Bus {
	return &Bus{
		store:     store,
		nodeLocks: make(map[string]*sync.Mutex),
		counters:  make(map[string]uint64),
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

func (b *Bus) nodeLock(nodeUUID string) *sync.Mutex {
	b.nodeLocksMu.Lock()
	defer b.nodeLocksMu.Unlock()
	l, ok := b.nodeLocks[nodeUUID]
	if !ok {
		l = &sync.Mutex{}
		b.nodeLocks[nodeUUID] = l
	}
	return l
}

// nextEventID returns the next event_id for nodeUUID, lazily initializing
// the in-memory counter from the last persisted event on first use so a
// process restart picks up where the KV log left off. Callers must hold
// nodeLock(nodeUUID).
func (b *Bus) nextEventID(ctx context.Context, nodeUUID string) (uint64, error) {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()

	if _, seen := b.counters[nodeUUID]; !seen {
		last, err := b.lastPersistedEventID(ctx, nodeUUID)
		if err != nil {
			return 0, err
		}
		b.counters[nodeUUID] = last
	}
	b.counters[nodeUUID]++
	return b.counters[nodeUUID], nil
}

func (b *Bus) lastPersistedEventID(ctx context.Context, nodeUUID string) (uint64, error) {
	pairs, err := b.store.Range(ctx, kv.RangeOptions{
		StartKey: kv.EventPrefix(nodeUUID),
		EndKey:   kv.EventPrefix(nodeUUID) + "\xff",
		Limit:    1,
		Reverse:  true,
	})
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	var ev TaskEvent
	if err := json.Unmarshal(pairs[0].Value, &ev); err != nil {
		return 0, err
	}
	return ev.EventID, nil
}

// PublishCreate persists and broadcasts a Create event for task taskID on
// nodeUUID. snapshot, if non-nil, is marshaled as the event's Task payload.
func (b *Bus) PublishCreate(ctx context.Context, nodeUUID, taskID string, snapshot any) (*TaskEvent, error) {
	return b.publish(ctx, nodeUUID, Create, taskID, snapshot)
}

func (b *Bus) PublishUpdate(ctx context.Context, nodeUUID, taskID string, snapshot any) (*TaskEvent, error) {
	return b.publish(ctx, nodeUUID, Update, taskID, snapshot)
}

func (b *Bus) PublishDelete(ctx context.Context, nodeUUID, taskID string) (*TaskEvent, error) {
	return b.publish(ctx, nodeUUID, Delete, taskID, nil)
}

func (b *Bus) publish(ctx context.Context, nodeUUID string, kind Kind, taskID string, snapshot any) (*TaskEvent, error) {
	lock := b.nodeLock(nodeUUID)
	lock.Lock()
	defer lock.Unlock()

	id, err := b.nextEventID(ctx, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("eventbus: next event id: %w", err)
	}

	event := &TaskEvent{
		EventID:   id,
		NodeUUID:  nodeUUID,
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}
	if snapshot != nil {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("eventbus: marshal task snapshot: %w", err)
		}
		event.Task = raw
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := b.store.Put(ctx, kv.EventKey(nodeUUID, id), data); err != nil {
		return nil, fmt.Errorf("eventbus: persist event: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()
	b.broadcast(nodeUUID, event)
	return event, nil
}

// ReplaySince returns events for nodeUUID with event_id > lastEventID,
// ascending, up to max (0 means unbounded).
func (b *Bus) ReplaySince(ctx context.Context, nodeUUID string, lastEventID uint64, max int) ([]*TaskEvent, error) {
	pairs, err := b.store.ScanPrefix(ctx, kv.EventPrefix(nodeUUID))
	if err != nil {
		return nil, fmt.Errorf("eventbus: replay scan: %w", err)
	}

	var out []*TaskEvent
	for _, p := range pairs {
		var ev TaskEvent
		if err := json.Unmarshal(p.Value, &ev); err != nil {
			eventbusLog.Warn().Err(err).Str("key", p.Key).Msg("skipping corrupt event record")
			continue
		}
		if ev.EventID <= lastEventID {
			continue
		}
		out = append(out, &ev)
		if max > 0 && len(out) >= max {
			break
		}
	}
	metrics.EventsReplayedTotal.Add(float64(len(out)))
	return out, nil
}

// Subscription delivers live events for one node_uuid to a single caller.
// If the caller falls behind, Events() is closed and Resync() yields
// ErrResyncRequired exactly once; the caller must then re-subscribe and call
// ReplaySince to resume.
type Subscription struct {
	nodeUUID string
	events   chan *TaskEvent
	resync   chan error
	bus      *Bus

	closeOnce sync.Once
}

// Events returns the channel of live events for this subscription.
func (s *Subscription) Events() <-chan *TaskEvent {
	return s.events
}

// Resync yields ErrResyncRequired if this subscription was dropped for
// lagging. It never yields any other error and is closed when s is closed
// normally.
func (s *Subscription) Resync() <-chan error {
	return s.resync
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.removeSubscription(s.nodeUUID, s)
		close(s.events)
		close(s.resync)
	})
}

// Subscribe registers a live subscription for nodeUUID's event stream.
// Callers that also need history should Subscribe first and then call
// ReplaySince, skipping live events whose event_id the replay already
// covered; subscribing after the replay can miss events published between
// the two calls.
func (b *Bus) Subscribe(nodeUUID string) *Subscription {
	sub := &Subscription{
		nodeUUID: nodeUUID,
		events:   make(chan *TaskEvent, subscriberBuffer),
		resync:   make(chan error, 1),
		bus:      b,
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[nodeUUID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[nodeUUID] = set
	}
	set[sub] = struct{}{}
	metrics.EventSubscribersActive.Inc()
	return sub
}

func (b *Bus) removeSubscription(nodeUUID string, sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[nodeUUID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, nodeUUID)
	}
	metrics.EventSubscribersActive.Dec()
}

// broadcast fans event out to every live subscriber of nodeUUID. A
// subscriber whose buffer is full is dropped and told to resync rather than
// silently losing events.
func (b *Bus) broadcast(nodeUUID string, event *TaskEvent) {
	b.subMu.RLock()
	set := b.subs[nodeUUID]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
		default:
			eventbusLog.Warn().
				Str("node_uuid", nodeUUID).
				Uint64("event_id", event.EventID).
				Msg("subscriber lagged, dropping and signalling resync")
			metrics.EventSubscribersLaggedTotal.Inc()
			b.removeSubscription(nodeUUID, sub)
			sub.closeOnce.Do(func() {
				sub.resync <- ErrResyncRequired
				close(sub.events)
				close(sub.resync)
			})
		}
	}
}
