package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arda-kanban/realtime-gateway/internal/bridge"
	"github.com/arda-kanban/realtime-gateway/internal/domain"
)

type fakeSource struct {
	mu         sync.Mutex
	handlers   map[string]bridge.EventHandler
	subscribes int
	unsubbed   []string
	subErr     error
	unsubErr   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]bridge.EventHandler)}
}

func (s *fakeSource) SubscribeTenant(ctx context.Context, tenantID string, h bridge.EventHandler) (bridge.UnsubscribeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.subscribes++
	s.handlers[tenantID] = h
	return func(ctx context.Context) error {
		s.mu.Lock()
		delete(s.handlers, tenantID)
		s.unsubbed = append(s.unsubbed, tenantID)
		s.mu.Unlock()
		return s.unsubErr
	}, nil
}

func (s *fakeSource) push(t *testing.T, tenantID string, evt domain.Event) {
	t.Helper()
	s.mu.Lock()
	h, ok := s.handlers[tenantID]
	s.mu.Unlock()
	require.True(t, ok, "no handler registered for tenant %s", tenantID)
	h(evt)
}

type emission struct {
	name    string
	payload any
}

type fakeSub struct {
	id      string
	mu      sync.Mutex
	emitted []emission
	emitErr error
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Emit(name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, emission{name: name, payload: payload})
	return nil
}

func (f *fakeSub) emissions() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emission, len(f.emitted))
	copy(out, f.emitted)
	return out
}

func orderEvent(tenantID, orderID string) domain.Event {
	p, _ := json.Marshal(domain.OrderCreatedPayload{OrderID: orderID})
	return domain.Event{Type: domain.EventOrderCreated, TenantID: tenantID, Payload: p}
}

func invEvent(tenantID, partID string, value float64) domain.Event {
	p, _ := json.Marshal(domain.InventoryAdjustedPayload{
		FacilityID: "fac-1", PartID: partID, Field: "onHand", Value: value,
	})
	return domain.Event{Type: domain.EventInventoryAdjusted, TenantID: tenantID, Payload: p}
}

// deliveredOrderIDs flattens single emissions and batches into the order ids
// actually forwarded, in delivery order.
func deliveredOrderIDs(t *testing.T, ems []emission) []string {
	t.Helper()
	var ids []string
	extract := func(we domain.WireEvent) {
		var p domain.OrderCreatedPayload
		require.NoError(t, json.Unmarshal(we.Payload, &p))
		ids = append(ids, p.OrderID)
	}
	for _, em := range ems {
		switch em.name {
		case domain.ControlEventBatch:
			for _, we := range em.payload.(domain.BatchPayload).Events {
				extract(we)
			}
		case domain.ControlBackpressureWarning:
		default:
			extract(em.payload.(domain.WireEvent))
		}
	}
	return ids
}

func newBridge(src *fakeSource, cfg bridge.Config) *bridge.Bridge {
	return bridge.New(src, cfg, zerolog.Nop())
}

func TestAttachReusesTenantSubscription(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{})
	defer b.Shutdown(context.Background())

	detach1, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c1"})
	require.NoError(t, err)
	detach2, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c2"})
	require.NoError(t, err)

	src.mu.Lock()
	assert.Equal(t, 1, src.subscribes)
	src.mu.Unlock()

	st := b.Stats()
	assert.Equal(t, 1, st.Tenants)
	assert.Equal(t, 2, st.Subscribers)

	detach1()
	src.mu.Lock()
	assert.Empty(t, src.unsubbed, "source must stay subscribed while a subscriber remains")
	src.mu.Unlock()

	detach2()
	src.mu.Lock()
	assert.Equal(t, []string{"t1"}, src.unsubbed)
	src.mu.Unlock()
	assert.Equal(t, 0, b.Stats().Tenants)
}

func TestAttachSourceFailureLeavesNoState(t *testing.T) {
	src := newFakeSource()
	src.subErr = errors.New("redis down")
	b := newBridge(src, bridge.Config{})
	defer b.Shutdown(context.Background())

	_, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c1"})
	require.Error(t, err)
	assert.Equal(t, 0, b.Stats().Tenants)

	// A later attach must start clean.
	src.mu.Lock()
	src.subErr = nil
	src.mu.Unlock()
	detach, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c1"})
	require.NoError(t, err)
	detach()
}

func TestSingleEventEmittedUnderOwnName(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{BatchWindow: 20 * time.Millisecond})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	src.push(t, "t1", orderEvent("t1", "o-1"))
	time.Sleep(100 * time.Millisecond)

	ems := sub.emissions()
	require.Len(t, ems, 1)
	assert.Equal(t, "order_created", ems[0].name)
	we := ems[0].payload.(domain.WireEvent)
	assert.Equal(t, "t1", we.TenantID)
	assert.False(t, we.Replayed)
}

func TestBurstEmittedAsSingleBatch(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{BatchWindow: 50 * time.Millisecond})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	src.push(t, "t1", orderEvent("t1", "o-1"))
	src.push(t, "t1", orderEvent("t1", "o-2"))
	time.Sleep(150 * time.Millisecond)

	ems := sub.emissions()
	require.Len(t, ems, 1)
	assert.Equal(t, domain.ControlEventBatch, ems[0].name)
	batch := ems[0].payload.(domain.BatchPayload)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, []string{"o-1", "o-2"}, deliveredOrderIDs(t, ems))
}

func TestTenantRateLimitDefersExcess(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		TenantRateLimitPerSecond: 2,
		BatchWindow:              20 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	for _, id := range []string{"o-1", "o-2", "o-3", "o-4"} {
		src.push(t, "t1", orderEvent("t1", id))
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"o-1", "o-2"}, deliveredOrderIDs(t, sub.emissions()),
		"only the window allowance may be dispatched immediately")

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, []string{"o-1", "o-2", "o-3", "o-4"}, deliveredOrderIDs(t, sub.emissions()),
		"deferred events must be dispatched in the next window, in order")
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		TenantRateLimitPerSecond: 2,
		TenantQueueMax:           2,
		BatchWindow:              20 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	// e-1/e-2 exhaust the window allowance so a/b/c/d pile up in the queue.
	src.push(t, "t1", orderEvent("t1", "e-1"))
	src.push(t, "t1", orderEvent("t1", "e-2"))
	for _, id := range []string{"a", "b", "c", "d"} {
		src.push(t, "t1", orderEvent("t1", id))
	}

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, []string{"e-1", "e-2", "c", "d"}, deliveredOrderIDs(t, sub.emissions()),
		"queue overflow must sacrifice the oldest backlog")
}

func TestClientBufferOverflowWarnsOnce(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		ClientBufferMax: 3,
		BatchWindow:     150 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	for _, id := range []string{"o-1", "o-2", "o-3", "o-4"} {
		src.push(t, "t1", orderEvent("t1", id))
	}

	// The warning bypasses the buffer and arrives before any flush.
	ems := sub.emissions()
	require.Len(t, ems, 1)
	require.Equal(t, domain.ControlBackpressureWarning, ems[0].name)
	warn := ems[0].payload.(domain.BackpressureWarning)
	assert.Equal(t, "t1", warn.TenantID)
	assert.Equal(t, 1, warn.DroppedCount)
	assert.Equal(t, 3, warn.MaxBufferSize)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, []string{"o-1", "o-2", "o-3"}, deliveredOrderIDs(t, sub.emissions()))
}

func TestDebounceDeliversLatestValueOnly(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		BatchWindow:    20 * time.Millisecond,
		DebounceWindow: 60 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	src.push(t, "t1", invEvent("t1", "p-1", 10))
	src.push(t, "t1", invEvent("t1", "p-1", 25))
	time.Sleep(200 * time.Millisecond)

	ems := sub.emissions()
	require.Len(t, ems, 1, "rapid updates to one key must collapse to one delivery")
	assert.Equal(t, "inventory_update", ems[0].name)
	var p domain.InventoryAdjustedPayload
	require.NoError(t, json.Unmarshal(ems[0].payload.(domain.WireEvent).Payload, &p))
	assert.Equal(t, 25.0, p.Value)
}

func TestDebounceKeysAreIndependent(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		BatchWindow:    20 * time.Millisecond,
		DebounceWindow: 60 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	_, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	src.push(t, "t1", invEvent("t1", "p-1", 1))
	src.push(t, "t1", invEvent("t1", "p-2", 2))
	time.Sleep(200 * time.Millisecond)

	parts := map[string]bool{}
	for _, em := range sub.emissions() {
		switch em.name {
		case "inventory_update":
			var p domain.InventoryAdjustedPayload
			require.NoError(t, json.Unmarshal(em.payload.(domain.WireEvent).Payload, &p))
			parts[p.PartID] = true
		case domain.ControlEventBatch:
			for _, we := range em.payload.(domain.BatchPayload).Events {
				var p domain.InventoryAdjustedPayload
				require.NoError(t, json.Unmarshal(we.Payload, &p))
				parts[p.PartID] = true
			}
		}
	}
	assert.Equal(t, map[string]bool{"p-1": true, "p-2": true}, parts)
}

func TestSubscribersAreIndependent(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{BatchWindow: 20 * time.Millisecond})
	defer b.Shutdown(context.Background())

	broken := &fakeSub{id: "c1", emitErr: errors.New("conn write failed")}
	healthy := &fakeSub{id: "c2"}
	_, err := b.AttachSubscriber(context.Background(), "t1", broken)
	require.NoError(t, err)
	_, err = b.AttachSubscriber(context.Background(), "t1", healthy)
	require.NoError(t, err)

	src.push(t, "t1", orderEvent("t1", "o-1"))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []string{"o-1"}, deliveredOrderIDs(t, healthy.emissions()))
}

func TestDetachCancelsPendingTimers(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{
		BatchWindow:    80 * time.Millisecond,
		DebounceWindow: 80 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	sub := &fakeSub{id: "c1"}
	detach, err := b.AttachSubscriber(context.Background(), "t1", sub)
	require.NoError(t, err)

	src.push(t, "t1", orderEvent("t1", "o-1")) // pending flush
	src.push(t, "t1", invEvent("t1", "p-1", 1)) // pending debounce
	detach()

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, sub.emissions(), "no emission may fire after detach")
}

func TestUnsubscribeFailureStillCleansUp(t *testing.T) {
	src := newFakeSource()
	src.unsubErr = errors.New("redis gone")
	b := newBridge(src, bridge.Config{})

	detach, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c1"})
	require.NoError(t, err)

	detach()
	assert.Equal(t, 0, b.Stats().Tenants, "local state must be discarded even when unsubscribe fails")
}

func TestShutdownIsIdempotentAndRefusesNewAttaches(t *testing.T) {
	src := newFakeSource()
	b := newBridge(src, bridge.Config{})

	_, err := b.AttachSubscriber(context.Background(), "t1", &fakeSub{id: "c1"})
	require.NoError(t, err)
	_, err = b.AttachSubscriber(context.Background(), "t2", &fakeSub{id: "c2"})
	require.NoError(t, err)

	b.Shutdown(context.Background())
	b.Shutdown(context.Background())

	assert.Equal(t, 0, b.Stats().Tenants)
	src.mu.Lock()
	assert.ElementsMatch(t, []string{"t1", "t2"}, src.unsubbed)
	src.mu.Unlock()

	_, err = b.AttachSubscriber(context.Background(), "t3", &fakeSub{id: "c3"})
	assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
}
