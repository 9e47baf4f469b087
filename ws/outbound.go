package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// OutboundSession dials a remote OneBot endpoint and reconnects on faults
// when Config.AutoReconnect is set.
type OutboundSession struct {
	*Session
	url string
}

func NewOutbound(url string, cfg Config) *OutboundSession {
	o := &OutboundSession{url: normalizeURL(url)}
	o.Session = newSession(cfg, o.dialConn, cfg.AutoReconnect)
	return o
}

func (o *OutboundSession) URL() string { return o.url }

func (o *OutboundSession) dialConn(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.cfg.ConnectTimeout,
	}
	header := http.Header{}
	for k, vs := range o.cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if o.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+o.cfg.AccessToken)
	}

	conn, resp, err := dialer.DialContext(ctx, o.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", o.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", o.url, err)
	}
	return conn, nil
}

// Run connects and blocks until the session is terminal or ctx ends. A
// failed first connect is retried in the background when reconnecting is on.
func (o *OutboundSession) Run(ctx context.Context) error {
	if err := o.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			_ = o.Close()
			return ctx.Err()
		}
		if !o.reconnect {
			return err
		}
		o.log.Warn("initial connect failed, retrying", "url", o.url, "err", err)
		o.startReconnect()
	}
	return o.wait(ctx)
}

func normalizeURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
		return u
	default:
		return "ws://" + u
	}
}
