package events

import (
	"context"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caseplane/caseplane/internal/observability"
)

// LocalDispatcher delivers events synchronously, on the publishing goroutine,
// to every subscriber registered for the event name. The subscriber registry
// may be mutated concurrently with delivery; a publish operates on a snapshot
// taken when it starts.
type LocalDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber

	deliveredCounter metric.Int64Counter
	failureCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

// NewLocalDispatcher constructs an empty dispatcher.
func NewLocalDispatcher() *LocalDispatcher {
	d := new(LocalDispatcher)
	d.subscribers = make(map[string][]Subscriber)

	meter := otel.Meter("caseplane/events")
	d.deliveredCounter, _ = meter.Int64Counter("events.local.delivered",
		metric.WithDescription("Number of local subscriber deliveries"),
		metric.WithUnit("{delivery}"))
	d.failureCounter, _ = meter.Int64Counter("events.subscriber.failures",
		metric.WithDescription("Number of subscriber callbacks that panicked"),
		metric.WithUnit("{failure}"))
	d.subscriberGauge, _ = meter.Int64UpDownCounter("events.subscribers",
		metric.WithDescription("Number of registered (name, subscriber) pairs"),
		metric.WithUnit("{subscriber}"))

	return d
}

// AddSubscriber registers the subscriber for the given event names.
// Registration is idempotent per (name, subscriber) pair; an empty name set is
// a no-op.
func (d *LocalDispatcher) AddSubscriber(sub Subscriber, names ...string) {
	if sub == nil || len(names) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if containsSubscriber(d.subscribers[name], sub) {
			continue
		}
		d.subscribers[name] = append(d.subscribers[name], sub)
		if d.subscriberGauge != nil {
			d.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("event_name", name)))
		}
	}
}

// RemoveSubscriber deregisters the subscriber from the given event names.
// Removing a pair that was never registered is a no-op. A delivery already in
// flight is unaffected.
func (d *LocalDispatcher) RemoveSubscriber(sub Subscriber, names ...string) {
	if sub == nil || len(names) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range names {
		name = strings.TrimSpace(name)
		subs := d.subscribers[name]
		if len(subs) == 0 {
			continue
		}
		filtered := subs[:0]
		removed := false
		for _, s := range subs {
			if s == sub {
				removed = true
				continue
			}
			filtered = append(filtered, s)
		}
		if !removed {
			continue
		}
		if len(filtered) == 0 {
			delete(d.subscribers, name)
		} else {
			d.subscribers[name] = filtered
		}
		if d.subscriberGauge != nil {
			d.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
				attribute.String("event_name", name)))
		}
	}
}

// Publish delivers the event to every subscriber registered for its name, in
// registration order, on the calling goroutine. A panicking callback is
// contained and logged; delivery to the remaining subscribers continues.
func (d *LocalDispatcher) Publish(evt *Event) {
	if evt == nil || strings.TrimSpace(evt.Name) == "" {
		return
	}

	d.mu.RLock()
	snapshot := append([]Subscriber(nil), d.subscribers[evt.Name]...)
	d.mu.RUnlock()

	for _, sub := range snapshot {
		s := sub
		recovered := panics.Try(func() {
			s.HandleEvent(evt)
		})
		if recovered != nil {
			observability.Log().Error("subscriber callback panicked",
				observability.Field{Key: "event_name", Value: evt.Name},
				observability.Field{Key: "panic", Value: recovered.Value})
			if d.failureCounter != nil {
				d.failureCounter.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("event_name", evt.Name)))
			}
			continue
		}
		if d.deliveredCounter != nil {
			d.deliveredCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("event_name", evt.Name),
				attribute.String("source", string(evt.Source))))
		}
	}
}

// SubscriberCount reports how many subscribers are registered for the name.
func (d *LocalDispatcher) SubscriberCount(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[strings.TrimSpace(name)])
}

func containsSubscriber(subs []Subscriber, sub Subscriber) bool {
	for _, s := range subs {
		if s == sub {
			return true
		}
	}
	return false
}
