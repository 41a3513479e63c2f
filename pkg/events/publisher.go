package events

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caseplane/caseplane/internal/observability"
)

// maxRemotePublishTries bounds the send/reopen attempts per remote publish.
const maxRemotePublishTries = 3

const (
	defaultRetryInitialInterval = 250 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

// RemoteOutcome is the terminal result of a remote publish attempt.
type RemoteOutcome int

const (
	// RemoteDeliverySkipped means no remote channel is configured; the event
	// was delivered locally only.
	RemoteDeliverySkipped RemoteOutcome = iota
	// RemoteDeliverySucceeded means the event was handed to the message service.
	RemoteDeliverySucceeded
	// RemoteDeliveryAbandoned means all tries failed and the event was dropped
	// for remote subscribers. Local delivery is unaffected.
	RemoteDeliveryAbandoned
)

func (o RemoteOutcome) String() string {
	switch o {
	case RemoteDeliverySkipped:
		return "skipped"
	case RemoteDeliverySucceeded:
		return "succeeded"
	case RemoteDeliveryAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Publisher publishes events to subscribers on this node and, when a remote
// event channel is open, to subscribers on other Caseplane nodes. Remote
// publication is best effort: transient failures are retried up to a fixed
// bound, then the event is dropped for remote subscribers with only a log
// record and a counter increment. Local delivery never depends on remote
// channel health.
type Publisher struct {
	mu          sync.Mutex
	local       *LocalDispatcher
	provider    ConnectionProvider
	transport   Transport
	remote      *RemoteChannel
	channelName string

	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration

	remotePublishedCounter metric.Int64Counter
	abandonedCounter       metric.Int64Counter
	retryCounter           metric.Int64Counter
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTransport overrides the message service transport.
func WithTransport(t Transport) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.transport = t
		}
	}
}

// WithRetryIntervals overrides the backoff window between remote publish tries.
func WithRetryIntervals(initial, max time.Duration) PublisherOption {
	return func(p *Publisher) {
		if initial > 0 {
			p.retryInitialInterval = initial
		}
		if max > 0 {
			p.retryMaxInterval = max
		}
	}
}

// NewPublisher constructs a publisher. Communication with other nodes is off
// until OpenRemoteEventChannel is called.
func NewPublisher(provider ConnectionProvider, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		local:                NewLocalDispatcher(),
		provider:             provider,
		transport:            NewWebsocketTransport(),
		retryInitialInterval: defaultRetryInitialInterval,
		retryMaxInterval:     defaultRetryMaxInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	meter := otel.Meter("caseplane/events")
	p.remotePublishedCounter, _ = meter.Int64Counter("events.remote.published",
		metric.WithDescription("Number of events handed to the message service"),
		metric.WithUnit("{event}"))
	p.abandonedCounter, _ = meter.Int64Counter("events.remote.abandoned",
		metric.WithDescription("Number of events dropped for remote subscribers after retry exhaustion"),
		metric.WithUnit("{event}"))
	p.retryCounter, _ = meter.Int64Counter("events.remote.retries",
		metric.WithDescription("Number of failed remote publish tries"),
		metric.WithUnit("{try}"))

	return p
}

// AddSubscriber registers the subscriber for the given event names on this node.
func (p *Publisher) AddSubscriber(sub Subscriber, names ...string) {
	p.local.AddSubscriber(sub, names...)
}

// RemoveSubscriber deregisters the subscriber from the given event names.
func (p *Publisher) RemoveSubscriber(sub Subscriber, names ...string) {
	p.local.RemoveSubscriber(sub, names...)
}

// OpenRemoteEventChannel opens the channel used for exchanging events with
// other nodes. At most one channel is open at a time; an already-open channel
// is stopped first. On failure the requested name is retained so a later
// publish can attempt to reopen the channel.
func (p *Publisher) OpenRemoteEventChannel(ctx context.Context, channelName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openChannelLocked(ctx, channelName)
}

// CloseRemoteEventChannel closes the remote event channel. Subsequent
// publishes stay local until OpenRemoteEventChannel is called again.
func (p *Publisher) CloseRemoteEventChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelName = ""
	p.stopRemoteLocked()
}

// CurrentChannel returns the name of the remote channel in use, or the empty
// string if none was opened or it was explicitly closed.
func (p *Publisher) CurrentChannel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelName
}

// Publish delivers the event to this node's subscribers and, best effort, to
// other nodes.
func (p *Publisher) Publish(ctx context.Context, evt *Event) {
	p.PublishLocally(evt)
	p.PublishRemotely(ctx, evt)
}

// PublishLocally delivers the event to this node's subscribers only.
func (p *Publisher) PublishLocally(evt *Event) {
	p.local.Publish(evt)
}

// PublishRemotely publishes the event to other nodes only. It is a no-op when
// no remote channel was opened or it was explicitly closed. A missing channel
// object with a remembered name (a prior failure forced the channel closed) is
// reopened transparently. After the try bound is exhausted the event is
// dropped for remote subscribers and RemoteDeliveryAbandoned is returned.
func (p *Publisher) PublishRemotely(ctx context.Context, evt *Event) RemoteOutcome {
	if evt.Validate() != nil {
		return RemoteDeliverySkipped
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channelName == "" {
		return RemoteDeliverySkipped
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInitialInterval
	bo.MaxInterval = p.retryMaxInterval

	for try := 1; try <= maxRemotePublishTries; try++ {
		if try > 1 {
			if !p.waitRetryWindow(ctx, bo) {
				break
			}
		}
		if p.remote == nil {
			if err := p.openChannelLocked(ctx, p.channelName); err != nil {
				observability.Log().Error("failed to reopen channel for remote publish",
					observability.Field{Key: "channel", Value: p.channelName},
					observability.Field{Key: "event_name", Value: evt.Name},
					observability.Field{Key: "try", Value: try},
					observability.Field{Key: "error", Value: err})
				p.countRetry(evt.Name, "reopen")
				continue
			}
		}
		if err := p.remote.Publish(ctx, evt); err != nil {
			observability.Log().Error("failed to publish event remotely",
				observability.Field{Key: "channel", Value: p.channelName},
				observability.Field{Key: "event_name", Value: evt.Name},
				observability.Field{Key: "try", Value: try},
				observability.Field{Key: "error", Value: err})
			p.countRetry(evt.Name, "send")
			p.stopRemoteLocked()
			continue
		}
		if p.remotePublishedCounter != nil {
			p.remotePublishedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("channel", p.channelName),
				attribute.String("event_name", evt.Name)))
		}
		return RemoteDeliverySucceeded
	}

	observability.Log().Error("remote event delivery abandoned",
		observability.Field{Key: "channel", Value: p.channelName},
		observability.Field{Key: "event_name", Value: evt.Name},
		observability.Field{Key: "tries", Value: maxRemotePublishTries})
	if p.abandonedCounter != nil {
		p.abandonedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", p.channelName),
			attribute.String("event_name", evt.Name)))
	}
	return RemoteDeliveryAbandoned
}

func (p *Publisher) openChannelLocked(ctx context.Context, channelName string) error {
	p.channelName = channelName
	if p.remote != nil {
		p.stopRemoteLocked()
	}
	rc, err := OpenRemoteChannel(ctx, channelName, p.local, p.provider, p.transport)
	if err != nil {
		observability.Log().Error("failed to open remote event channel",
			observability.Field{Key: "channel", Value: channelName},
			observability.Field{Key: "error", Value: err})
		return err
	}
	p.remote = rc
	return nil
}

func (p *Publisher) stopRemoteLocked() {
	if p.remote != nil {
		p.remote.Stop()
		p.remote = nil
	}
}

// waitRetryWindow sleeps for the next backoff interval. It reports false when
// the context is cancelled, which ends the retry loop early.
func (p *Publisher) waitRetryWindow(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	sleep := bo.NextBackOff()
	if sleep == backoff.Stop {
		sleep = p.retryMaxInterval
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Publisher) countRetry(eventName, stage string) {
	if p.retryCounter == nil {
		return
	}
	p.retryCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", p.channelName),
		attribute.String("event_name", eventName),
		attribute.String("stage", stage)))
}
