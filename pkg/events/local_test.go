package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/require"
)

type captureSubscriber struct {
	mu       sync.Mutex
	received []*Event
}

func (s *captureSubscriber) HandleEvent(evt *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, evt)
}

func (s *captureSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *captureSubscriber) last() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

type funcSubscriber struct {
	fn func(*Event)
}

func (s *funcSubscriber) HandleEvent(evt *Event) { s.fn(evt) }

func TestLocalFanoutCompleteness(t *testing.T) {
	d := NewLocalDispatcher()
	subs := []*captureSubscriber{{}, {}, {}}
	for _, sub := range subs {
		d.AddSubscriber(sub, "case.opened")
	}

	evt := New("case.opened", map[string]any{"case": "4711"})
	d.Publish(evt)

	for i, sub := range subs {
		require.Equal(t, 1, sub.count(), "subscriber %d", i)
		require.Same(t, evt, sub.last())
	}
}

func TestAddSubscriberIdempotentPerNamePair(t *testing.T) {
	d := NewLocalDispatcher()
	sub := &captureSubscriber{}
	d.AddSubscriber(sub, "hash.verified")
	d.AddSubscriber(sub, "hash.verified", "hash.verified")

	require.Equal(t, 1, d.SubscriberCount("hash.verified"))

	d.Publish(New("hash.verified", nil))
	require.Equal(t, 1, sub.count())
}

func TestAddSubscriberEmptyNamesNoOp(t *testing.T) {
	d := NewLocalDispatcher()
	sub := &captureSubscriber{}
	d.AddSubscriber(sub)
	d.AddSubscriber(sub, "", "   ")
	d.AddSubscriber(nil, "case.opened")

	d.Publish(New("case.opened", nil))
	require.Zero(t, sub.count())
}

func TestRemoveSubscriberUnknownPairNoOp(t *testing.T) {
	d := NewLocalDispatcher()
	registered := &captureSubscriber{}
	stranger := &captureSubscriber{}
	d.AddSubscriber(registered, "case.closed")

	d.RemoveSubscriber(stranger, "case.closed")
	d.RemoveSubscriber(registered, "never.registered")

	d.Publish(New("case.closed", nil))
	require.Equal(t, 1, registered.count())
}

func TestUnsubscribeDuringDeliveryDoesNotAffectSnapshot(t *testing.T) {
	d := NewLocalDispatcher()
	late := &captureSubscriber{}
	remover := &funcSubscriber{fn: func(*Event) {
		d.RemoveSubscriber(late, "case.opened")
	}}
	d.AddSubscriber(remover, "case.opened")
	d.AddSubscriber(late, "case.opened")

	d.Publish(New("case.opened", nil))
	require.Equal(t, 1, late.count(), "in-flight delivery uses the snapshot taken at publish start")

	d.Publish(New("case.opened", nil))
	require.Equal(t, 1, late.count(), "publishes after removal never reach the subscriber")
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	d := NewLocalDispatcher()
	angry := &funcSubscriber{fn: func(*Event) { panic("subscriber bug") }}
	calm := &captureSubscriber{}
	d.AddSubscriber(angry, "ingest.failed")
	d.AddSubscriber(calm, "ingest.failed")

	require.NotPanics(t, func() {
		d.Publish(New("ingest.failed", nil))
	})
	require.Equal(t, 1, calm.count())
}

func TestPublishNoSubscribersNoOp(t *testing.T) {
	d := NewLocalDispatcher()
	require.NotPanics(t, func() {
		d.Publish(New("nobody.cares", nil))
		d.Publish(nil)
		d.Publish(&Event{Name: "  "})
	})
}

func TestConcurrentRegistrationAndDelivery(t *testing.T) {
	d := NewLocalDispatcher()
	stable := &captureSubscriber{}
	d.AddSubscriber(stable, "case.updated")

	p := pool.New().WithMaxGoroutines(8)
	for i := 0; i < 64; i++ {
		n := i
		p.Go(func() {
			churn := &captureSubscriber{}
			name := fmt.Sprintf("case.updated.%d", n%4)
			d.AddSubscriber(churn, name, "case.updated")
			d.Publish(New("case.updated", n))
			d.RemoveSubscriber(churn, name, "case.updated")
		})
	}
	p.Wait()

	require.Equal(t, 64, stable.count())
	require.Equal(t, 1, d.SubscriberCount("case.updated"))
}
