package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// historyLimit caps the bounded event history; the oldest entry is
	// discarded when the cap is reached.
	historyLimit = 1000

	// replayWindow is how many recent events a new subscription receives
	// before live delivery begins.
	replayWindow = 100

	// queueLimit bounds the emit queue. Overflow drops the oldest queued
	// event; drops are counted in the bus statistics.
	queueLimit = 4096
)

// ErrBusClosed is returned when emitting or registering after Shutdown.
var ErrBusClosed = errors.New("event bus closed")

// ErrUnknownCallback is returned by Replay for an unregistered ID.
var ErrUnknownCallback = errors.New("unknown callback id")

// Callback handles one event. A returned error (or a panic) is caught by
// the bus, reported as a low-severity DiscoveryError, and does not
// unregister the callback.
type Callback func(Event) error

// Filter decides whether a callback sees an event.
type Filter func(Event) bool

// HistoryFilter narrows History and Replay results. Zero values mean
// "no constraint".
type HistoryFilter struct {
	Type  Type
	Since time.Time
	Limit int
}

// Stats is a snapshot of bus activity.
type Stats struct {
	EventsEmitted          uint64
	EventsDropped          uint64
	CallbacksExecuted      uint64
	CallbackFailures       uint64
	AverageCallbackLatency time.Duration
	ActiveCallbacks        int
	ActiveSubscriptions    int
	HistorySize            int
}

type callbackEntry struct {
	id       string
	fn       Callback
	priority Priority
	filter   Filter
	async    bool
	seq      uint64
}

// Subscription is a channel-based view of the event stream. On creation
// it replays the most recent events, then delivers live events in
// emission order. Live events that arrive while the channel buffer is
// full are dropped for this subscription.
type Subscription struct {
	C      <-chan Event
	id     string
	bus    *Bus
	closed sync.Once
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.dropSubscriber(s.id)
	})
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus is the event bus: bounded history, replayable subscriptions and
// priority-ordered callback dispatch driven by a single background
// consumer.
type Bus struct {
	clk clock.Clock

	mu          sync.RWMutex
	callbacks   map[string]*callbackEntry
	subscribers map[string]*subscriber
	history     []Event
	queue       chan Event
	nextEventID uint64
	nextSeq     uint64
	closed      bool

	statsMu      sync.Mutex
	stats        Stats
	latencyTotal time.Duration
	latencyCount uint64

	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewBus creates a bus and starts its dispatch consumer.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	b := &Bus{
		clk:         clk,
		callbacks:   make(map[string]*callbackEntry),
		subscribers: make(map[string]*subscriber),
		history:     make([]Event, 0, historyLimit),
		queue:       make(chan Event, queueLimit),
	}
	b.wg.Add(1)
	go b.consume()
	return b
}

// Emit records the event to history and schedules delivery. Emissions
// after Shutdown are rejected.
func (b *Bus) Emit(payload Payload) error {
	if payload == nil {
		return errors.New("nil event payload")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	b.nextEventID++
	ev := Event{
		ID:        b.nextEventID,
		Timestamp: b.clk.Now(),
		Payload:   payload,
	}

	if len(b.history) == historyLimit {
		b.history = b.history[1:]
	}
	b.history = append(b.history, ev)

	// Enqueue with drop-oldest overflow. The send never blocks because
	// the lock serializes all producers.
	select {
	case b.queue <- ev:
	default:
		select {
		case <-b.queue:
			b.countStat(func(s *Stats) { s.EventsDropped++ })
		default:
		}
		b.queue <- ev
	}

	// Fan out to channel subscriptions in emission order. A subscriber
	// whose buffer is full does not receive this event; the drop is
	// counted and the bus is not blocked.
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			b.countStat(func(s *Stats) { s.EventsDropped++ })
		}
	}
	b.mu.Unlock()

	b.countStat(func(s *Stats) { s.EventsEmitted++ })
	return nil
}

// RegisterCallback registers a callback with an optional filter. Returns
// the registration ID used for Unregister and Replay.
func (b *Bus) RegisterCallback(fn Callback, priority Priority, filter Filter, async bool) (string, error) {
	if fn == nil {
		return "", errors.New("nil callback")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}

	b.nextSeq++
	id := uuid.New().String()
	b.callbacks[id] = &callbackEntry{
		id:       id,
		fn:       fn,
		priority: priority,
		filter:   filter,
		async:    async,
		seq:      b.nextSeq,
	}
	return id, nil
}

// RegisterTypedCallback registers a callback invoked only for events of
// the given type.
func (b *Bus) RegisterTypedCallback(t Type, fn Callback, priority Priority, async bool) (string, error) {
	return b.RegisterCallback(fn, priority, func(ev Event) bool {
		return ev.Type() == t
	}, async)
}

// Unregister removes a callback registration. Returns true if it existed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.callbacks[id]
	delete(b.callbacks, id)
	return ok
}

// Subscribe opens a channel subscription. The most recent events (up to
// the replay window) are delivered first, in their original order, before
// any subsequent live event.
func (b *Bus) Subscribe(buffer int) (*Subscription, error) {
	if buffer < replayWindow {
		buffer = replayWindow + buffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id := uuid.New().String()
	sub := &subscriber{id: id, ch: make(chan Event, buffer)}

	start := len(b.history) - replayWindow
	if start < 0 {
		start = 0
	}
	for _, ev := range b.history[start:] {
		sub.ch <- ev
	}

	b.subscribers[id] = sub
	return &Subscription{C: sub.ch, id: id, bus: b}, nil
}

func (b *Bus) dropSubscriber(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// History returns recorded events matching the filter, oldest first.
func (b *Bus) History(filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.history {
		if !matches(ev, filter) {
			continue
		}
		out = append(out, ev)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Replay re-delivers matching history to one registered callback, in
// original order. Live events continue to arrive through normal dispatch.
func (b *Bus) Replay(callbackID string, filter HistoryFilter) error {
	b.mu.RLock()
	entry, ok := b.callbacks[callbackID]
	events := make([]Event, len(b.history))
	copy(events, b.history)
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCallback, callbackID)
	}

	for _, ev := range events {
		if !matches(ev, filter) {
			continue
		}
		if entry.filter != nil && !entry.filter(ev) {
			continue
		}
		b.invoke(entry, ev)
	}
	return nil
}

// ClearHistory discards all recorded events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

// Stats returns a snapshot of bus activity.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	snapshot := b.stats
	if b.latencyCount > 0 {
		snapshot.AverageCallbackLatency = b.latencyTotal / time.Duration(b.latencyCount)
	}
	b.statsMu.Unlock()

	b.mu.RLock()
	snapshot.ActiveCallbacks = len(b.callbacks)
	snapshot.ActiveSubscriptions = len(b.subscribers)
	snapshot.HistorySize = len(b.history)
	b.mu.RUnlock()
	return snapshot
}

// Shutdown stops the dispatch consumer after draining queued events and
// waits for in-flight callbacks. Shutdown is idempotent; later emissions
// are rejected with ErrBusClosed.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.inflight.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
	}).Info("Event bus shut down")
}

// consume drains the emit queue, dispatching each event to callbacks in
// descending priority order.
func (b *Bus) consume() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.dispatch(ev)
	}
}

// dispatch runs one event through the callback set. Sync callbacks run
// inline so their relative order follows emission order; async callbacks
// are detached.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	entries := make([]*callbackEntry, 0, len(b.callbacks))
	for _, e := range b.callbacks {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(ev) {
			continue
		}
		if entry.async {
			b.inflight.Add(1)
			go func(e *callbackEntry) {
				defer b.inflight.Done()
				b.invoke(e, ev)
			}(entry)
		} else {
			b.invoke(entry, ev)
		}
	}
}

// invoke runs one callback, containing errors and panics. A failing
// callback stays registered; the failure is reported as a low-severity
// DiscoveryError.
func (b *Bus) invoke(entry *callbackEntry, ev Event) {
	started := b.clk.Now()

	var cbErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				cbErr = fmt.Errorf("callback panic: %v", r)
			}
		}()
		cbErr = entry.fn(ev)
	}()

	elapsed := b.clk.Now().Sub(started)
	b.statsMu.Lock()
	b.stats.CallbacksExecuted++
	b.latencyTotal += elapsed
	b.latencyCount++
	if cbErr != nil {
		b.stats.CallbackFailures++
	}
	b.statsMu.Unlock()

	if cbErr == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "invoke",
		"callback_id": entry.id,
		"event_type":  string(ev.Type()),
		"error":       cbErr.Error(),
	}).Warn("Event callback failed")

	// Avoid a failure feedback loop: a callback failing on a
	// DiscoveryError does not emit another one.
	if ev.Type() != TypeDiscoveryError {
		_ = b.Emit(DiscoveryError{
			Message:     fmt.Sprintf("callback %s failed on %s", entry.id, ev.Type()),
			Cause:       cbErr,
			Severity:    SeverityLow,
			Recoverable: true,
		})
	}
}

// countStat applies a mutation under the stats lock.
func (b *Bus) countStat(fn func(*Stats)) {
	b.statsMu.Lock()
	fn(&b.stats)
	b.statsMu.Unlock()
}

// matches applies a history filter to one event.
func matches(ev Event, filter HistoryFilter) bool {
	if filter.Type != "" && ev.Type() != filter.Type {
		return false
	}
	if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}
