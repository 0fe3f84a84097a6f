// Package bridge multiplexes each tenant's live event feed to its attached
// client connections, applying per-tenant rate limiting, per-connection
// buffering with overflow dropping, debouncing of high-frequency event types,
// and batched flushing.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
	"github.com/arda-kanban/realtime-gateway/internal/mapper"
	"github.com/arda-kanban/realtime-gateway/internal/metrics"
)

// rateWindow is the rolling window the per-tenant dispatch allowance applies to.
const rateWindow = time.Second

var ErrBridgeClosed = errors.New("bridge is shut down")

// Subscriber is one live client connection. Emit must not block: transports
// are expected to buffer internally and fail fast when they cannot keep up.
type Subscriber interface {
	ID() string
	Emit(name string, payload any) error
}

// EventHandler receives one live domain event for a subscribed tenant.
type EventHandler func(evt domain.Event)

// UnsubscribeFunc releases a tenant subscription on the event source.
type UnsubscribeFunc func(ctx context.Context) error

// TenantEventSource is the external live feed, push-style: the handler is
// invoked once per domain event produced for the tenant.
type TenantEventSource interface {
	SubscribeTenant(ctx context.Context, tenantID string, handler EventHandler) (UnsubscribeFunc, error)
}

// DetachFunc removes a subscriber from the bridge. Safe to call more than once.
type DetachFunc func()

type Config struct {
	ClientBufferMax          int
	TenantRateLimitPerSecond int
	TenantQueueMax           int
	BatchWindow              time.Duration
	DebounceWindow           time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientBufferMax <= 0 {
		c.ClientBufferMax = 500
	}
	if c.TenantRateLimitPerSecond <= 0 {
		c.TenantRateLimitPerSecond = 200
	}
	if c.TenantQueueMax <= 0 {
		c.TenantQueueMax = 1000
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	return c
}

// Bridge owns all tenant and subscriber state. The tenants map is guarded by
// mu; each tenantState has its own mutex so one tenant's processing never
// blocks another's. Lock order is always bridge.mu before tenantState.mu;
// timer callbacks take only the tenant mutex.
type Bridge struct {
	cfg    Config
	source TenantEventSource
	log    zerolog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantState
	closed  bool
}

type tenantState struct {
	id string

	mu   sync.Mutex
	gone bool

	subscribers map[string]*subscriberState
	queue       []domain.Event
	windowStart time.Time
	processed   int
	pump        *time.Timer
	unsubscribe UnsubscribeFunc
}

type subscriberState struct {
	sub      Subscriber
	gone     bool
	buf      []domain.WireEvent
	dropped  int
	flush    *time.Timer
	debounce map[string]*debounceEntry
}

type debounceEntry struct {
	timer  *time.Timer
	latest domain.WireEvent
}

func New(source TenantEventSource, cfg Config, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg.withDefaults(),
		source:  source,
		log:     log.With().Str("component", "bridge").Logger(),
		tenants: make(map[string]*tenantState),
	}
}

// AttachSubscriber registers a live connection for a tenant. The first
// attachment for a tenant subscribes once to the external source; later
// attachments reuse that subscription. If the source subscribe fails, no
// tenant state is left behind and the error is returned so the connection
// can be refused.
func (b *Bridge) AttachSubscriber(ctx context.Context, tenantID string, sub Subscriber) (DetachFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBridgeClosed
	}

	ts, ok := b.tenants[tenantID]
	if !ok {
		ts = &tenantState{
			id:          tenantID,
			subscribers: make(map[string]*subscriberState),
		}
		state := ts
		unsub, err := b.source.SubscribeTenant(ctx, tenantID, func(evt domain.Event) {
			b.ingest(state, evt)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe tenant %s: %w", tenantID, err)
		}
		ts.unsubscribe = unsub
		b.tenants[tenantID] = ts
		metrics.TenantCreated()
		b.log.Debug().Str("tenant_id", tenantID).Msg("tenant source subscribed")
	}

	ss := &subscriberState{
		sub:      sub,
		debounce: make(map[string]*debounceEntry),
	}
	ts.mu.Lock()
	ts.subscribers[sub.ID()] = ss
	ts.mu.Unlock()
	metrics.SubscriberAttached()

	subID := sub.ID()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.detach(tenantID, subID)
		})
	}, nil
}

// ingest is the source handler: queue the event, enforce the tenant queue
// bound, then drain as far as the rate allowance permits.
func (b *Bridge) ingest(ts *tenantState, evt domain.Event) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.gone {
		return
	}

	ts.queue = append(ts.queue, evt)
	if over := len(ts.queue) - b.cfg.TenantQueueMax; over > 0 {
		// Drop the oldest backlog, not the newest: stale data is worth less
		// than current data.
		ts.queue = ts.queue[over:]
		metrics.TenantQueueDropped(over)
		b.log.Warn().
			Str("tenant_id", ts.id).
			Int("dropped", over).
			Int("queue_max", b.cfg.TenantQueueMax).
			Msg("tenant queue overflow, dropped oldest events")
	}

	b.drainLocked(ts)
}

// drainLocked dispatches queued events while the rolling 1-second allowance
// lasts. Leftovers get a continuation timer for the remainder of the window.
func (b *Bridge) drainLocked(ts *tenantState) {
	now := time.Now()
	if now.Sub(ts.windowStart) > rateWindow {
		ts.windowStart = now
		ts.processed = 0
	}

	for len(ts.queue) > 0 && ts.processed < b.cfg.TenantRateLimitPerSecond {
		evt := ts.queue[0]
		ts.queue = ts.queue[1:]
		ts.processed++
		b.dispatchLocked(ts, evt)
	}

	if len(ts.queue) > 0 && ts.pump == nil {
		delay := rateWindow - now.Sub(ts.windowStart)
		if delay < 0 {
			delay = 0
		}
		ts.pump = time.AfterFunc(delay, func() {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.pump = nil
			if ts.gone {
				return
			}
			b.drainLocked(ts)
		})
	}
}

// dispatchLocked maps one event and offers it to every subscriber
// independently; one subscriber's backpressure never affects another's.
func (b *Bridge) dispatchLocked(ts *tenantState, evt domain.Event) {
	we, ok := mapper.Map(evt, time.Now().UTC())
	if !ok {
		return
	}
	metrics.EventDispatched(string(evt.Type))

	key := mapper.DebounceKey(evt)
	for _, ss := range ts.subscribers {
		if key != "" {
			b.debounceLocked(ts, ss, key, we)
		} else {
			b.bufferLocked(ts, ss, we)
		}
	}
}

// debounceLocked coalesces rapid updates to the same logical quantity: a
// pending entry only has its latest value replaced, the running timer stays.
func (b *Bridge) debounceLocked(ts *tenantState, ss *subscriberState, key string, we domain.WireEvent) {
	if entry, ok := ss.debounce[key]; ok {
		entry.latest = we
		metrics.EventCoalesced()
		return
	}

	entry := &debounceEntry{latest: we}
	ss.debounce[key] = entry
	entry.timer = time.AfterFunc(b.cfg.DebounceWindow, func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.gone || ss.gone {
			return
		}
		current, ok := ss.debounce[key]
		if !ok || current != entry {
			return
		}
		delete(ss.debounce, key)
		b.bufferLocked(ts, ss, current.latest)
	})
}

// bufferLocked appends to the subscriber's send buffer and schedules a flush.
// A full buffer drops the newest event and tells the client immediately; the
// warning bypasses the buffer because the loss must never be silent.
func (b *Bridge) bufferLocked(ts *tenantState, ss *subscriberState, we domain.WireEvent) {
	if len(ss.buf) >= b.cfg.ClientBufferMax {
		ss.dropped++
		metrics.ClientBufferDropped()
		warning := domain.BackpressureWarning{
			TenantID:      ts.id,
			DroppedCount:  ss.dropped,
			MaxBufferSize: b.cfg.ClientBufferMax,
			Timestamp:     time.Now().UTC(),
		}
		if err := ss.sub.Emit(domain.ControlBackpressureWarning, warning); err != nil {
			b.log.Warn().Err(err).Str("tenant_id", ts.id).Str("connection_id", ss.sub.ID()).
				Msg("failed to emit backpressure warning")
		}
		b.log.Warn().
			Str("tenant_id", ts.id).
			Str("connection_id", ss.sub.ID()).
			Int("dropped_count", ss.dropped).
			Msg("client buffer full, event dropped")
		return
	}

	ss.buf = append(ss.buf, we)
	if ss.flush == nil {
		ss.flush = time.AfterFunc(b.cfg.BatchWindow, func() {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			if ts.gone || ss.gone {
				return
			}
			ss.flush = nil
			b.flushLocked(ts, ss)
		})
	}
}

// flushLocked drains the send buffer: a solitary event goes out under its own
// wire name, two or more as one event_batch preserving order.
func (b *Bridge) flushLocked(ts *tenantState, ss *subscriberState) {
	events := ss.buf
	ss.buf = nil
	if len(events) == 0 {
		return
	}

	if len(events) == 1 {
		if err := ss.sub.Emit(events[0].Type, events[0]); err != nil {
			b.log.Warn().Err(err).Str("tenant_id", ts.id).Str("connection_id", ss.sub.ID()).
				Msg("failed to emit event")
			return
		}
		metrics.BatchFlushed("single")
		return
	}

	batch := domain.BatchPayload{
		TenantID:  ts.id,
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now().UTC(),
	}
	if err := ss.sub.Emit(domain.ControlEventBatch, batch); err != nil {
		b.log.Warn().Err(err).Str("tenant_id", ts.id).Str("connection_id", ss.sub.ID()).
			Msg("failed to emit event batch")
		return
	}
	metrics.BatchFlushed("batch")
}

func (b *Bridge) detach(tenantID, subID string) {
	b.mu.Lock()
	ts, ok := b.tenants[tenantID]
	if !ok {
		b.mu.Unlock()
		return
	}

	var unsub UnsubscribeFunc
	ts.mu.Lock()
	if ss, ok := ts.subscribers[subID]; ok {
		teardownSubscriberLocked(ss)
		delete(ts.subscribers, subID)
		metrics.SubscriberDetached()
	}
	if len(ts.subscribers) == 0 {
		teardownTenantLocked(ts)
		unsub = ts.unsubscribe
		delete(b.tenants, tenantID)
		metrics.TenantDestroyed()
	}
	ts.mu.Unlock()
	b.mu.Unlock()

	if unsub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unsub(ctx); err != nil {
			// Fail open locally: a dangling external subscription beats
			// leaking bridge memory.
			b.log.Error().Err(err).Str("tenant_id", tenantID).
				Msg("tenant source unsubscribe failed, local state discarded anyway")
		} else {
			b.log.Debug().Str("tenant_id", tenantID).Msg("tenant source unsubscribed")
		}
	}
}

// Shutdown tears down every tenant and subscriber: all timers cancelled, all
// source subscriptions released, all maps cleared. Safe to call twice.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var unsubs []UnsubscribeFunc
	var tenantIDs []string
	for id, ts := range b.tenants {
		ts.mu.Lock()
		for subID, ss := range ts.subscribers {
			teardownSubscriberLocked(ss)
			delete(ts.subscribers, subID)
			metrics.SubscriberDetached()
		}
		teardownTenantLocked(ts)
		if ts.unsubscribe != nil {
			unsubs = append(unsubs, ts.unsubscribe)
			tenantIDs = append(tenantIDs, id)
		}
		ts.mu.Unlock()
		delete(b.tenants, id)
		metrics.TenantDestroyed()
	}
	b.mu.Unlock()

	for i, unsub := range unsubs {
		if err := unsub(ctx); err != nil {
			b.log.Error().Err(err).Str("tenant_id", tenantIDs[i]).
				Msg("tenant source unsubscribe failed during shutdown")
		}
	}
	b.log.Info().Msg("bridge shut down")
}

func teardownSubscriberLocked(ss *subscriberState) {
	ss.gone = true
	if ss.flush != nil {
		ss.flush.Stop()
		ss.flush = nil
	}
	for key, entry := range ss.debounce {
		entry.timer.Stop()
		delete(ss.debounce, key)
	}
	ss.buf = nil
}

func teardownTenantLocked(ts *tenantState) {
	ts.gone = true
	if ts.pump != nil {
		ts.pump.Stop()
		ts.pump = nil
	}
	ts.queue = nil
}

// Stats is a point-in-time view of live connections, for the ops endpoint.
type Stats struct {
	Tenants     int            `json:"tenants"`
	Subscribers int            `json:"subscribers"`
	PerTenant   map[string]int `json:"perTenant"`
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{PerTenant: make(map[string]int, len(b.tenants))}
	for id, ts := range b.tenants {
		ts.mu.Lock()
		n := len(ts.subscribers)
		ts.mu.Unlock()
		st.Tenants++
		st.Subscribers += n
		st.PerTenant[id] = n
	}
	return st
}
