package events

import (
	"context"
	"strings"

	"github.com/caseplane/caseplane/config"
	"github.com/caseplane/caseplane/errs"
)

// ConnectionInfo bundles the message service address and account. It is
// resolved lazily at channel-open time and never cached by this package, so
// rotated credentials take effect on the next reconnect.
type ConnectionInfo struct {
	URL         string
	Credentials config.Credentials
}

// ConnectionProvider resolves message service connection info on demand.
type ConnectionProvider interface {
	ConnectionInfo(ctx context.Context) (ConnectionInfo, error)
}

// ConnectionProviderFunc adapts a function to the ConnectionProvider interface.
type ConnectionProviderFunc func(ctx context.Context) (ConnectionInfo, error)

// ConnectionInfo implements ConnectionProvider.
func (f ConnectionProviderFunc) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	return f(ctx)
}

// SettingsProvider resolves connection info from a settings source on every
// call, picking up configuration changes between reconnects.
type SettingsProvider struct {
	source func() config.MessagingSettings
}

// NewSettingsProvider wraps a dynamic settings source.
func NewSettingsProvider(source func() config.MessagingSettings) *SettingsProvider {
	return &SettingsProvider{source: source}
}

// NewStaticProvider wraps a fixed settings snapshot.
func NewStaticProvider(cfg config.MessagingSettings) *SettingsProvider {
	return &SettingsProvider{source: func() config.MessagingSettings { return cfg }}
}

// ConnectionInfo implements ConnectionProvider.
func (p *SettingsProvider) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	_ = ctx
	if p == nil || p.source == nil {
		return ConnectionInfo{}, errs.New("events/connection-info", errs.CodeConfig,
			errs.WithMessage("messaging settings source not configured"))
	}
	cfg := p.source()
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return ConnectionInfo{}, errs.New("events/connection-info", errs.CodeConfig,
			errs.WithMessage("messaging url not configured"))
	}
	return ConnectionInfo{URL: url, Credentials: cfg.Credentials}, nil
}
