package events

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/caseplane/caseplane/config"
	"github.com/caseplane/caseplane/internal/observability"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultPingInterval  = 20 * time.Second
	defaultReadLimit     = 2 * 1024 * 1024
	controlFrameInterval = 200 * time.Millisecond
	frameOpSubscribe     = "subscribe"
	frameOpPublish       = "publish"
	frameOpEvent         = "event"
)

// wireFrame is the framing exchanged with the message service.
type wireFrame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WebsocketTransport is the default Transport implementation. It dials the
// message service over websocket using credentials from the ConnectionInfo
// resolved at connect time.
type WebsocketTransport struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// NewWebsocketTransport constructs a transport with default timeouts.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		readLimit:    defaultReadLimit,
	}
}

// NewWebsocketTransportFromSettings constructs a transport with timeouts taken
// from messaging settings. Zero values keep the defaults.
func NewWebsocketTransportFromSettings(cfg config.MessagingSettings) *WebsocketTransport {
	t := NewWebsocketTransport()
	if cfg.DialTimeout > 0 {
		t.dialTimeout = cfg.DialTimeout
	}
	if cfg.WriteTimeout > 0 {
		t.writeTimeout = cfg.WriteTimeout
	}
	if cfg.PingInterval > 0 {
		t.pingInterval = cfg.PingInterval
	}
	if cfg.ReadLimit > 0 {
		t.readLimit = cfg.ReadLimit
	}
	return t
}

// Connect implements Transport.
func (t *WebsocketTransport) Connect(ctx context.Context, info ConnectionInfo) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if info.Credentials.Username != "" {
		header := http.Header{}
		token := base64.StdEncoding.EncodeToString(
			[]byte(info.Credentials.Username + ":" + info.Credentials.Password))
		header.Set("Authorization", "Basic "+token)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}

	conn, _, err := websocket.Dial(dialCtx, info.URL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:         conn,
		ctx:          connCtx,
		cancel:       connCancel,
		writeTimeout: t.writeTimeout,
		control:      rate.NewLimiter(rate.Every(controlFrameInterval), 1),
	}
	if t.pingInterval > 0 {
		go c.pingLoop(t.pingInterval)
	}
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	control      *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Publish(ctx context.Context, channel string, data []byte) error {
	frame := wireFrame{Op: frameOpPublish, Channel: channel, Data: data}
	return c.writeFrame(ctx, frame)
}

func (c *wsConn) Subscribe(ctx context.Context, channel string, onMessage func(data []byte)) error {
	if err := c.control.Wait(ctx); err != nil {
		return err
	}
	frame := wireFrame{Op: frameOpSubscribe, Channel: channel, Data: nil}
	if err := c.writeFrame(ctx, frame); err != nil {
		return err
	}
	go c.readLoop(channel, onMessage)
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
	return err
}

func (c *wsConn) writeFrame(ctx context.Context, frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) readLoop(channel string, onMessage func(data []byte)) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Normal on close; the publisher's retry policy owns reconnection.
			observability.Log().Debug("message service read loop ended",
				observability.Field{Key: "channel", Value: channel},
				observability.Field{Key: "error", Value: err})
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Error("decode message service frame",
				observability.Field{Key: "channel", Value: channel},
				observability.Field{Key: "error", Value: err})
			continue
		}
		if frame.Op != frameOpEvent || frame.Channel != channel {
			continue
		}
		if onMessage != nil && len(frame.Data) > 0 {
			onMessage(frame.Data)
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
