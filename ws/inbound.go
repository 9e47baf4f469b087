package ws

import (
	"context"

	"github.com/gorilla/websocket"
)

// InboundSession wraps a connection accepted by a server. It never
// reconnects: the first fault ends it.
type InboundSession struct {
	*Session
}

// NewInbound adopts an upgraded connection. Frames are not read until Listen.
func NewInbound(conn *websocket.Conn, cfg Config) *InboundSession {
	s := newSession(cfg, nil, false)
	s.mu.Lock()
	l := s.installLocked(conn)
	s.mu.Unlock()
	s.log.Debug("inbound connection adopted", "gen", l.gen, "remote", conn.RemoteAddr().String())
	return &InboundSession{Session: s}
}

// Listen starts the receive loop and blocks until the connection ends or ctx
// is done. Calling it twice does not start a second loop.
func (in *InboundSession) Listen(ctx context.Context) error {
	in.mu.Lock()
	l := in.cur
	in.mu.Unlock()
	if l == nil {
		return ErrClosed
	}
	in.startReading(l)
	return in.wait(ctx)
}
