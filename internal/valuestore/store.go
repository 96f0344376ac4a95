package valuestore

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Change is one applied Set batch: the keys whose value changed and the
// origin that set them.
type Change struct {
	Origin string
	Values map[string]any
	At     time.Time
}

// Entry is a stored value together with who wrote it last.
type Entry struct {
	Value     any
	Origin    string
	UpdatedAt time.Time
}

// Store is the process-wide key-value store shared by the bridge, the relay
// and the persistence layer. Values are scalars (string, float64, bool);
// the last write wins.
//
// Set batches are serialized: observers see changes in exactly the order
// they were applied. Observers run on the goroutine calling Set and must not
// call Set or Unsubscribe themselves; reads (Get, Value, Snapshot) are fine.
//
// All public methods are thread-safe.
type Store struct {
	writeMu sync.Mutex // serializes Set: apply + notify

	mu      sync.RWMutex // protects entries
	entries map[string]Entry

	obsMu     sync.Mutex
	observers map[uint64]*Subscription
	nextID    uint64

	logger Logger
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries:   make(map[string]Entry),
		observers: make(map[uint64]*Subscription),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Set applies values as one batch on behalf of origin and returns the keys
// whose stored value actually changed. Observers are notified once with
// those keys; a batch that changes nothing notifies nobody.
//
// Keys with unsupported values are skipped and reported in the returned
// error (which wraps ErrUnsupportedValueType); the remaining keys are still
// applied, so a non-nil error does not mean nothing changed.
func (s *Store) Set(origin string, values map[string]any) (map[string]any, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	normalized := make(map[string]any, len(values))
	for k, v := range values {
		if k == "" {
			errs = append(errs, ErrEmptyKey)
			continue
		}
		nv, err := Normalize(v)
		if err != nil {
			s.logger.Warn("skipping value", "key", k, "origin", origin, "error", err)
			errs = append(errs, fmt.Errorf("key %q: %w", k, err))
			continue
		}
		normalized[k] = nv
	}

	now := s.now()
	changed := make(map[string]any, len(normalized))
	applied := make(map[string]any, len(normalized))

	s.mu.Lock()
	for k, v := range normalized {
		old, ok := s.entries[k]
		if !ok || !equal(old.Value, v) {
			changed[k] = v
		}
		applied[k] = v
		s.entries[k] = Entry{Value: v, Origin: origin, UpdatedAt: now}
	}
	s.mu.Unlock()

	s.notify(Change{Origin: origin, Values: changed, At: now}, Change{Origin: origin, Values: applied, At: now})

	return changed, errors.Join(errs...)
}

// Get returns the current values of the requested keys. Keys that were never
// set are absent from the result; an empty result is not an error.
func (s *Store) Get(keys ...string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			out[k] = e.Value
		}
	}
	return out
}

// Value returns the current value of key.
func (s *Store) Value(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// Entry returns the stored entry for key, including its origin.
func (s *Store) Entry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Snapshot returns a copy of every stored value.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Observe registers fn to receive every applied change. The returned
// Subscription stops delivery.
func (s *Store) Observe(fn func(Change)) *Subscription {
	return s.observe(fn, false)
}

// ObserveWrites is like Observe, but fn receives every key a batch wrote,
// including keys rewritten with an equal value under a new origin.
func (s *Store) ObserveWrites(fn func(Change)) *Subscription {
	return s.observe(fn, true)
}

func (s *Store) observe(fn func(Change), writes bool) *Subscription {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.nextID++
	sub := &Subscription{id: s.nextID, store: s, fn: fn, writes: writes}
	s.observers[sub.id] = sub
	return sub
}

// ObserverCount returns the number of registered observers.
func (s *Store) ObserverCount() int {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return len(s.observers)
}

// notify delivers changed to value observers and applied to write
// observers. Empty batches are not delivered.
func (s *Store) notify(changed, applied Change) {
	if len(applied.Values) == 0 {
		return
	}

	s.obsMu.Lock()
	subs := make([]*Subscription, 0, len(s.observers))
	for _, sub := range s.observers {
		subs = append(subs, sub)
	}
	s.obsMu.Unlock()

	for _, sub := range subs {
		c := changed
		if sub.writes {
			c = applied
		}
		if len(c.Values) == 0 {
			continue
		}
		// Each observer gets its own copy so it may keep or modify it.
		sub.deliver(Change{Origin: c.Origin, Values: maps.Clone(c.Values), At: c.At})
	}
}

// Subscription is a registered observer.
type Subscription struct {
	id    uint64
	store *Store

	mu     sync.Mutex // held while delivering
	closed bool
	fn     func(Change)
	writes bool
}

func (sub *Subscription) deliver(c Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.fn(c)
}

// Unsubscribe stops delivery. When it returns, any delivery already in
// progress has finished and no further delivery will start. Calling it more
// than once is safe.
func (sub *Subscription) Unsubscribe() {
	sub.store.obsMu.Lock()
	delete(sub.store.observers, sub.id)
	sub.store.obsMu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
}
