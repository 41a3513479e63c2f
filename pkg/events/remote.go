package events

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caseplane/caseplane/errs"
	"github.com/caseplane/caseplane/internal/observability"
)

const maxChannelNameLen = 128

// ValidateChannelName checks that a channel identifier is well formed: ASCII
// letters, digits, '.', '_', ':' and '-', at most 128 characters.
func ValidateChannelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.New("events/channel-name", errs.CodeInvalid, errs.WithMessage("channel name required"))
	}
	if len(name) > maxChannelNameLen {
		return errs.New("events/channel-name", errs.CodeInvalid,
			errs.WithChannel(name), errs.WithMessage("channel name too long"))
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == ':' || r == '-':
		default:
			return errs.New("events/channel-name", errs.CodeInvalid,
				errs.WithChannel(name), errs.WithMessage("channel name contains invalid character"))
		}
	}
	return nil
}

// RemoteChannel owns one live connection to the distributed message service,
// publishing outgoing events under its channel name and forwarding inbound
// events from other nodes into the local dispatcher.
type RemoteChannel struct {
	name       string
	instanceID string
	dispatcher *LocalDispatcher
	conn       Conn
	stopOnce   sync.Once

	forwardedCounter metric.Int64Counter
}

// OpenRemoteChannel connects to the message service under the channel name,
// occupies the service-level subscription for it, and wires inbound events
// into the dispatcher. Connection info is resolved through the provider at
// call time.
func OpenRemoteChannel(ctx context.Context, name string, dispatcher *LocalDispatcher, provider ConnectionProvider, transport Transport) (*RemoteChannel, error) {
	const op = "events/open-channel"

	if err := ValidateChannelName(name); err != nil {
		return nil, errs.New(op, errs.CodeChannel, errs.WithChannel(name),
			errs.WithMessage("malformed channel name"), errs.WithCause(err))
	}
	name = strings.TrimSpace(name)
	if dispatcher == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	}
	if provider == nil {
		return nil, errs.New(op, errs.CodeConfig, errs.WithMessage("connection info provider required"))
	}
	if transport == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("transport required"))
	}

	info, err := provider.ConnectionInfo(ctx)
	if err != nil {
		return nil, errs.New(op, errs.CodeConfig, errs.WithChannel(name),
			errs.WithMessage("error accessing messaging service connection info"), errs.WithCause(err))
	}

	conn, err := transport.Connect(ctx, info)
	if err != nil {
		return nil, errs.New(op, errs.CodeChannel, errs.WithChannel(name),
			errs.WithMessage("failed to connect to messaging service"), errs.WithCause(err))
	}

	rc := &RemoteChannel{
		name:       name,
		instanceID: uuid.NewString(),
		dispatcher: dispatcher,
		conn:       conn,
	}
	meter := otel.Meter("caseplane/events")
	rc.forwardedCounter, _ = meter.Int64Counter("events.remote.forwarded",
		metric.WithDescription("Number of inbound remote events forwarded to local subscribers"),
		metric.WithUnit("{event}"))

	if err := conn.Subscribe(ctx, name, rc.handleInbound); err != nil {
		_ = conn.Close()
		return nil, errs.New(op, errs.CodeChannel, errs.WithChannel(name),
			errs.WithMessage("failed to subscribe to event channel"), errs.WithCause(err))
	}
	return rc, nil
}

// Name returns the channel identifier this instance is bound to.
func (rc *RemoteChannel) Name() string {
	return rc.name
}

// Publish serializes and sends the event on the open connection.
func (rc *RemoteChannel) Publish(ctx context.Context, evt *Event) error {
	const op = "events/remote-publish"

	if err := evt.Validate(); err != nil {
		return err
	}
	env := envelope{
		ID:        uuid.NewString(),
		Publisher: rc.instanceID,
		Channel:   rc.name,
		Name:      evt.Name,
		Payload:   evt.Payload,
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithChannel(rc.name),
			errs.WithMessage("failed to encode event"), errs.WithCause(err))
	}
	if err := rc.conn.Publish(ctx, rc.name, data); err != nil {
		return errs.New(op, errs.CodeTransport, errs.WithChannel(rc.name),
			errs.WithMessage("failed to send event"), errs.WithCause(err))
	}
	return nil
}

// Stop releases the connection and the service-level subscription. It is
// idempotent; teardown failures are logged since the caller cannot act on them.
func (rc *RemoteChannel) Stop() {
	rc.stopOnce.Do(func() {
		if err := rc.conn.Close(); err != nil {
			observability.Log().Error("error closing remote event channel",
				observability.Field{Key: "channel", Value: rc.name},
				observability.Field{Key: "error", Value: err})
		}
	})
}

// handleInbound decodes an inbound frame and forwards it to local subscribers.
// Frames published by this channel instance are discarded so events never loop
// back through the local dispatcher a second time.
func (rc *RemoteChannel) handleInbound(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		observability.Log().Error("failed to decode inbound event",
			observability.Field{Key: "channel", Value: rc.name},
			observability.Field{Key: "error", Value: err})
		return
	}
	if env.Publisher == rc.instanceID {
		return
	}
	if strings.TrimSpace(env.Name) == "" {
		return
	}
	if rc.forwardedCounter != nil {
		rc.forwardedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", rc.name),
			attribute.String("event_name", env.Name)))
	}
	rc.dispatcher.Publish(&Event{Name: env.Name, Source: SourceRemote, Payload: env.Payload})
}
