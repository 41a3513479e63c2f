package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caseplane/caseplane/config"
	"github.com/caseplane/caseplane/errs"
	"github.com/caseplane/caseplane/internal/testutil"
)

func TestValidateChannelName(t *testing.T) {
	valid := []string{"case-4711", "lab.case_4711", "host:case", "A1"}
	for _, name := range valid {
		require.NoError(t, ValidateChannelName(name), name)
	}

	invalid := []string{"", "   ", "case 4711", "case/4711", "näme", string(make([]byte, 200))}
	for _, name := range invalid {
		err := ValidateChannelName(name)
		require.Error(t, err, "%q", name)
		require.True(t, errs.HasCode(err, errs.CodeInvalid))
	}
}

func TestSettingsProviderResolvesOnEveryCall(t *testing.T) {
	cfg := config.MessagingSettings{URL: ""}
	provider := NewSettingsProvider(func() config.MessagingSettings { return cfg })

	_, err := provider.ConnectionInfo(context.Background())
	require.Error(t, err)
	require.True(t, errs.IsConfig(err))

	// A later resolve sees the updated settings; nothing is cached.
	cfg = config.MessagingSettings{
		URL:         "ws://bus.lab/events",
		Credentials: config.Credentials{Username: "examiner", Password: "pw"},
	}
	info, err := provider.ConnectionInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ws://bus.lab/events", info.URL)
	require.Equal(t, "examiner", info.Credentials.Username)
}

func busSettings(bus *testutil.MessageBus, creds config.Credentials) config.MessagingSettings {
	return config.MessagingSettings{
		URL:          bus.URL(),
		Credentials:  creds,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PingInterval: 0,
	}
}

func TestEventsFlowBetweenNodes(t *testing.T) {
	bus := testutil.NewMessageBus()
	defer bus.Close()
	ctx := context.Background()

	settings := busSettings(bus, config.Credentials{})
	nodeA := NewPublisher(NewStaticProvider(settings),
		WithTransport(NewWebsocketTransportFromSettings(settings)))
	nodeB := NewPublisher(NewStaticProvider(settings),
		WithTransport(NewWebsocketTransportFromSettings(settings)))

	subA := &captureSubscriber{}
	subB := &captureSubscriber{}
	nodeA.AddSubscriber(subA, "case.opened")
	nodeB.AddSubscriber(subB, "case.opened")

	require.NoError(t, nodeA.OpenRemoteEventChannel(ctx, "case-4711"))
	require.NoError(t, nodeB.OpenRemoteEventChannel(ctx, "case-4711"))
	defer nodeA.CloseRemoteEventChannel()
	defer nodeB.CloseRemoteEventChannel()
	require.True(t, bus.WaitForSubscribers("case-4711", 2, 2*time.Second))

	nodeA.Publish(ctx, New("case.opened", map[string]any{"case": "4711"}))

	require.Eventually(t, func() bool { return subB.count() == 1 },
		2*time.Second, 10*time.Millisecond, "event reaches the other node")

	got := subB.last()
	require.Equal(t, "case.opened", got.Name)
	require.Equal(t, SourceRemote, got.Source, "inbound events are re-stamped remote")
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "4711", payload["case"])

	// The publishing node got exactly its one local delivery; the frame the
	// bus echoed back to it was discarded rather than looped into dispatch.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, subA.count())
	require.Equal(t, SourceLocal, subA.last().Source)
}

func TestBusCredentialEnforcementAndRotation(t *testing.T) {
	bus := testutil.NewMessageBus(testutil.WithBusCredentials("examiner", "pw"))
	defer bus.Close()
	ctx := context.Background()

	current := busSettings(bus, config.Credentials{Username: "examiner", Password: "wrong"})
	provider := NewSettingsProvider(func() config.MessagingSettings { return current })
	p := NewPublisher(provider,
		WithTransport(NewWebsocketTransportFromSettings(current)),
		WithRetryIntervals(time.Millisecond, 2*time.Millisecond))

	err := p.OpenRemoteEventChannel(ctx, "case-4711")
	require.Error(t, err)
	require.True(t, errs.IsChannel(err))
	require.Positive(t, bus.AuthRejects())
	require.Equal(t, "case-4711", p.CurrentChannel())

	// Rotated credentials are picked up on the next open because connection
	// info is resolved lazily, never cached.
	current = busSettings(bus, config.Credentials{Username: "examiner", Password: "pw"})
	outcome := p.PublishRemotely(ctx, New("case.opened", nil))
	require.Equal(t, RemoteDeliverySucceeded, outcome)
	p.CloseRemoteEventChannel()
}

func TestRemoteChannelStopIdempotent(t *testing.T) {
	bus := testutil.NewMessageBus()
	defer bus.Close()
	ctx := context.Background()

	settings := busSettings(bus, config.Credentials{})
	dispatcher := NewLocalDispatcher()
	rc, err := OpenRemoteChannel(ctx, "case-4711", dispatcher,
		NewStaticProvider(settings), NewWebsocketTransportFromSettings(settings))
	require.NoError(t, err)
	require.Equal(t, "case-4711", rc.Name())

	require.NotPanics(t, func() {
		rc.Stop()
		rc.Stop()
	})
}

func TestRemoteChannelRejectsNilCollaborators(t *testing.T) {
	ctx := context.Background()
	dispatcher := NewLocalDispatcher()
	provider := testProvider()
	transport := &fakeTransport{}

	_, err := OpenRemoteChannel(ctx, "case-4711", nil, provider, transport)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	_, err = OpenRemoteChannel(ctx, "case-4711", dispatcher, nil, transport)
	require.True(t, errs.IsConfig(err))

	_, err = OpenRemoteChannel(ctx, "case-4711", dispatcher, provider, nil)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}
