// Package testutil provides an in-process message service for tests.
package testutil

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// frame mirrors the wire framing spoken by the events package transport.
type frame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MessageBus is a minimal in-process stand-in for the distributed message
// service: it accepts websocket connections, tracks per-channel subscriptions,
// and broadcasts published event frames to every subscribed connection,
// including the one that published.
type MessageBus struct {
	srv *httptest.Server

	username string
	password string

	mu      sync.Mutex
	subs    map[string]map[*busConn]struct{}
	dials   int
	rejects int
}

// BusOption configures the fake message bus.
type BusOption func(*MessageBus)

// WithBusCredentials makes the bus reject connections lacking matching basic auth.
func WithBusCredentials(username, password string) BusOption {
	return func(b *MessageBus) {
		b.username = username
		b.password = password
	}
}

// NewMessageBus starts the bus. Callers must Close it.
func NewMessageBus(opts ...BusOption) *MessageBus {
	b := &MessageBus{subs: make(map[string]map[*busConn]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the websocket endpoint of the bus.
func (b *MessageBus) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// Close shuts the bus down and drops all connections.
func (b *MessageBus) Close() {
	b.srv.Close()
}

// Dials reports how many connections the bus has accepted.
func (b *MessageBus) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// AuthRejects reports how many connections failed authentication.
func (b *MessageBus) AuthRejects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejects
}

// Subscribers reports how many connections hold a subscription for the channel.
func (b *MessageBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// WaitForSubscribers blocks until the channel has at least n subscribed
// connections or the timeout elapses.
func (b *MessageBus) WaitForSubscribers(channel string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Subscribers(channel) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Subscribers(channel) >= n
}

func (b *MessageBus) handle(w http.ResponseWriter, r *http.Request) {
	if b.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.password)) != 1 {
			b.mu.Lock()
			b.rejects++
			b.mu.Unlock()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	bc := &busConn{conn: conn}

	b.mu.Lock()
	b.dials++
	b.mu.Unlock()

	defer func() {
		b.dropConn(bc)
		_ = conn.Close(websocket.StatusNormalClosure, "bus shutdown")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Op {
		case "subscribe":
			b.addSub(f.Channel, bc)
		case "publish":
			b.broadcast(ctx, f.Channel, f.Data)
		}
	}
}

func (b *MessageBus) addSub(channel string, bc *busConn) {
	if channel == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*busConn]struct{})
	}
	b.subs[channel][bc] = struct{}{}
}

func (b *MessageBus) dropConn(bc *busConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, conns := range b.subs {
		delete(conns, bc)
		if len(conns) == 0 {
			delete(b.subs, channel)
		}
	}
}

func (b *MessageBus) broadcast(ctx context.Context, channel string, data json.RawMessage) {
	out, err := json.Marshal(frame{Op: "event", Channel: channel, Data: data})
	if err != nil {
		return
	}
	b.mu.Lock()
	targets := make([]*busConn, 0, len(b.subs[channel]))
	for bc := range b.subs[channel] {
		targets = append(targets, bc)
	}
	b.mu.Unlock()
	for _, bc := range targets {
		bc.write(ctx, out)
	}
}

type busConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (bc *busConn) write(ctx context.Context, data []byte) {
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	_ = bc.conn.Write(writeCtx, websocket.MessageText, data)
}
