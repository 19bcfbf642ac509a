package statebus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrSchemaViolation is returned for writes to an unknown key class.
	ErrSchemaViolation = errors.New("statebus: schema violation")
	// ErrSlowConsumer marks a subscription dropped for not keeping up.
	ErrSlowConsumer = errors.New("statebus: slow consumer")
)

// Key classes accepted by Write. Anything else is a schema violation.
var keyClasses = []string{"market.", "position.", "mode.", "risk.", "monitor."}

// Tick is the market snapshot stored per symbol under "market.tick.<symbol>".
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     float64 `json:"ts"` // event time, epoch seconds
}

// Value is a single versioned entry inside a snapshot.
type Value struct {
	Data    any
	Version uint64
}

// Snapshot is a consistent as-of-one-version view over the requested keys.
// Values are copies; holders never receive mutation handles into the bus.
type Snapshot struct {
	Version uint64 // bus version at read time
	Values  map[string]Value
}

// Get returns the value stored under key, if present in the snapshot.
func (s Snapshot) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	if !ok {
		return nil, false
	}
	return v.Data, true
}

// Tick returns the market tick for symbol, if the snapshot carries one.
func (s Snapshot) Tick(symbol string) (Tick, bool) {
	v, ok := s.Get("market.tick." + symbol)
	if !ok {
		return Tick{}, false
	}
	t, ok := v.(Tick)
	return t, ok
}

// Change is delivered to subscribers for every matching write.
type Change struct {
	Key     string
	Value   any
	Version uint64
}

// Subscription is a cancellable stream of changes. If the subscriber falls
// behind its buffer, the stream is closed and Err reports ErrSlowConsumer;
// producers are never blocked.
type Subscription struct {
	C       <-chan Change
	c       chan Change
	pattern string
	bus     *Bus

	mu     sync.Mutex
	err    error
	closed bool
}

// Err reports why the subscription ended, nil for a clean cancel.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription. Safe to call more than once; pending
// buffered changes remain readable until the channel drains.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
	s.close(nil)
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.c)
}

func (s *Subscription) matches(key string) bool {
	if strings.HasSuffix(s.pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(s.pattern, "*"))
	}
	return key == s.pattern
}

// Bus is the single shared-mutable store of runtime state: market ticks,
// positions, mode flags and daily risk counters. Every write gets a
// monotonically increasing version; reads return consistent snapshots.
type Bus struct {
	mu      sync.RWMutex
	entries map[string]Value
	version uint64
	subs    map[*Subscription]struct{}
	bufSize int

	counters  Counters
	positions map[string]Position
	equity    float64
}

// New creates a bus. subscriberBuffer bounds each subscription's backlog.
func New(equityUSD float64, subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Bus{
		entries:   map[string]Value{},
		subs:      map[*Subscription]struct{}{},
		bufSize:   subscriberBuffer,
		positions: map[string]Position{},
		equity:    equityUSD,
	}
}

// Version returns the current bus version.
func (b *Bus) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func validClass(key string) bool {
	for _, c := range keyClasses {
		if strings.HasPrefix(key, c) {
			return true
		}
	}
	return false
}

// Write stores value under key and returns the new version. Writes to an
// unrecognized key class are rejected, not retried.
func (b *Bus) Write(key string, value any) (uint64, error) {
	if !validClass(key) {
		return 0, fmt.Errorf("%w: key %q", ErrSchemaViolation, key)
	}
	b.mu.Lock()
	b.version++
	v := Value{Data: value, Version: b.version}
	b.entries[key] = v
	version := b.version
	b.notifyLocked(Change{Key: key, Value: value, Version: version})
	b.mu.Unlock()
	return version, nil
}

// notifyLocked fans a change out to matching subscribers without blocking.
// Callers hold b.mu.
func (b *Bus) notifyLocked(ch Change) {
	for s := range b.subs {
		if !s.matches(ch.Key) {
			continue
		}
		select {
		case s.c <- ch:
		default:
			delete(b.subs, s)
			go s.close(ErrSlowConsumer)
		}
	}
}

// Snapshot returns a consistent view over keys. With no keys it covers every
// entry. The returned snapshot is detached from later writes.
func (b *Bus) Snapshot(keys ...string) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{Version: b.version, Values: map[string]Value{}}
	if len(keys) == 0 {
		for k, v := range b.entries {
			snap.Values[k] = v
		}
		return snap
	}
	for _, k := range keys {
		if v, ok := b.entries[k]; ok {
			snap.Values[k] = v
		}
	}
	return snap
}

// Subscribe registers for changes to keys matching pattern. A pattern either
// names a key exactly or ends with '*' for a prefix match.
func (b *Bus) Subscribe(pattern string) *Subscription {
	c := make(chan Change, b.bufSize)
	s := &Subscription{C: c, c: c, pattern: pattern, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// StaleBy reports how many versions behind the bus a snapshot is.
func (b *Bus) StaleBy(s Snapshot) uint64 {
	return b.Version() - s.Version
}

// DataMode returns the current data mode flag ("" until set).
func (b *Bus) DataMode() string { return b.modeFlag("mode.data") }

// TradeMode returns the current trade mode flag ("" until set).
func (b *Bus) TradeMode() string { return b.modeFlag("mode.trade") }

func (b *Bus) modeFlag(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.entries[key]; ok {
		if s, ok := v.Data.(string); ok {
			return s
		}
	}
	return ""
}
