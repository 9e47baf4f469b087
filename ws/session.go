// Package ws implements the socket sessions that carry OneBot frames.
//
// A Session owns at most one live websocket connection. Frames are written
// one at a time and read by a single receive loop per connection, which hands
// complete messages to the registered frame handler. Every connection gets a
// Scope whose Done channel closes when that connection goes away, so callers
// waiting on a reply can give up as soon as the socket they wrote to is gone.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed       = errors.New("ws: session closed")
	ErrTransport    = errors.New("ws: transport fault")
	ErrNotConnected = errors.New("ws: not connected")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Scope identifies one connection of a session. Done is closed when that
// connection is torn down; a later connection gets a new Gen and a fresh Done.
type Scope struct {
	Gen  uint64
	Done <-chan struct{}
}

type link struct {
	conn     *websocket.Conn
	gen      uint64
	done     chan struct{}
	downOnce sync.Once
	readOnce sync.Once
}

type attempt struct {
	done chan struct{}
	link *link
	err  error
}

type dialFunc func(ctx context.Context) (*websocket.Conn, error)

// Session is the state shared by OutboundSession and InboundSession.
type Session struct {
	cfg       Config
	log       *slog.Logger
	dial      dialFunc
	reconnect bool
	rng       *rand.Rand

	life     context.Context
	stopLife context.CancelFunc

	mu           sync.Mutex
	state        State
	cur          *link
	gen          uint64
	pending      *attempt
	closed       bool
	reconnecting bool

	// sendSem is a one-slot lock; a channel so waiting writers can give up on ctx.
	sendSem chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	hooksMu      sync.RWMutex
	onFrame      func([]byte)
	onDisconnect []func(error)
}

func newSession(cfg Config, dial dialFunc, reconnect bool) *Session {
	cfg = cfg.WithDefaults()
	life, stop := context.WithCancel(context.Background())
	log := cfg.Logger
	if cfg.Name != "" {
		log = log.With("session", cfg.Name)
	}
	return &Session{
		cfg:       cfg,
		log:       log,
		dial:      dial,
		reconnect: reconnect,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		life:      life,
		stopLife:  stop,
		sendSem:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// OnFrame sets the callback receiving every complete inbound frame. It runs
// on the receive loop; long work should be handed off.
func (s *Session) OnFrame(fn func(frame []byte)) {
	s.hooksMu.Lock()
	s.onFrame = fn
	s.hooksMu.Unlock()
}

// OnDisconnect registers a callback invoked once per lost connection.
func (s *Session) OnDisconnect(fn func(err error)) {
	s.hooksMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.hooksMu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scope returns the scope of the current connection, or ok=false when there is none.
func (s *Session) Scope() (Scope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Scope{}, false
	}
	return Scope{Gen: s.cur.gen, Done: s.cur.done}, true
}

// Done is closed once the session reaches its terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Connect makes sure a connection is open. It is a no-op while open, and
// concurrent callers share a single dial. A done ctx fails even when open.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.ensureLink(ctx)
	return err
}

func (s *Session) ensureLink(ctx context.Context) (*link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.cur != nil {
		l := s.cur
		s.mu.Unlock()
		return l, nil
	}
	if s.dial == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	a := s.pending
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		s.pending = a
		if s.state != StateReconnecting {
			s.state = StateConnecting
		}
		go s.runAttempt(a)
	}
	s.mu.Unlock()

	select {
	case <-a.done:
		return a.link, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runAttempt dials outside any caller's context so that one caller giving
// up does not fail the others waiting on the same attempt.
func (s *Session) runAttempt(a *attempt) {
	ctx, cancel := context.WithTimeout(s.life, s.cfg.ConnectTimeout)
	conn, err := s.dial(ctx)
	cancel()

	var terminal bool
	s.mu.Lock()
	s.pending = nil
	if err == nil && s.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	switch {
	case errors.Is(err, ErrClosed):
		a.err = err
	case err != nil:
		a.err = fmt.Errorf("%w: %w", ErrTransport, err)
		if !s.reconnect {
			s.closed = true
			s.state = StateDisconnected
			terminal = true
		} else if s.state == StateConnecting && !s.reconnecting {
			s.state = StateIdle
		}
	default:
		a.link = s.installLocked(conn)
	}
	s.mu.Unlock()
	close(a.done)

	if terminal {
		s.log.Warn("connect failed, session closed", "err", err)
		s.finish()
		return
	}
	if a.link != nil {
		s.log.Info("connected", "gen", a.link.gen)
		s.startReading(a.link)
	}
}

func (s *Session) installLocked(conn *websocket.Conn) *link {
	s.gen++
	l := &link{conn: conn, gen: s.gen, done: make(chan struct{})}
	s.cur = l
	s.state = StateOpen
	return l
}

// Send writes one frame, connecting first if needed.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	_, err := s.SendScoped(ctx, frame)
	return err
}

// SendScoped writes one frame and returns the scope of the connection it was
// written to. The connect step completes before the send lock is taken.
func (s *Session) SendScoped(ctx context.Context, frame []byte) (Scope, error) {
	if _, err := s.ensureLink(ctx); err != nil {
		return Scope{}, err
	}

	select {
	case s.sendSem <- struct{}{}:
	case <-ctx.Done():
		return Scope{}, ctx.Err()
	}
	defer func() { <-s.sendSem }()

	s.mu.Lock()
	l := s.cur
	s.mu.Unlock()
	if l == nil {
		return Scope{}, fmt.Errorf("%w: %w", ErrTransport, ErrNotConnected)
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.fault(l, err)
		return Scope{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return Scope{Gen: l.gen, Done: l.done}, nil
}

func (s *Session) startReading(l *link) {
	l.readOnce.Do(func() {
		go s.readLoop(l)
		if s.cfg.PingInterval > 0 {
			go s.pingLoop(l)
		}
	})
}

// readLoop reassembles each message from its fragments and emits it whole.
// A fault drops whatever was buffered for the current message.
func (s *Session) readLoop(l *link) {
	l.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if s.cfg.PingInterval > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		l.conn.SetPongHandler(func(string) error {
			return l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	for {
		_, r, err := l.conn.NextReader()
		if err != nil {
			s.fault(l, err)
			return
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			s.fault(l, err)
			return
		}
		if s.cfg.PingInterval > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
		s.emit(buf.Bytes())
	}
}

func (s *Session) emit(frame []byte) {
	s.hooksMu.RLock()
	fn := s.onFrame
	s.hooksMu.RUnlock()
	if fn == nil {
		s.log.Debug("frame dropped, no handler", "bytes", len(frame))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("frame handler panicked", "panic", r)
		}
	}()
	fn(frame)
}

func (s *Session) pingLoop(l *link) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.fault(l, err)
				return
			}
		}
	}
}

// fault tears the connection down and decides between reconnecting and
// ending the session.
func (s *Session) fault(l *link, cause error) {
	first := false
	l.downOnce.Do(func() { first = true })
	if !first {
		return
	}
	close(l.done)
	_ = l.conn.Close()

	s.mu.Lock()
	if s.cur == l {
		s.cur = nil
	}
	terminal := s.closed || !s.reconnect
	startLoop := false
	if terminal {
		s.closed = true
		s.state = StateDisconnected
	} else {
		s.state = StateReconnecting
		if !s.reconnecting {
			s.reconnecting = true
			startLoop = true
		}
	}
	s.mu.Unlock()

	if !errors.Is(cause, ErrClosed) {
		s.log.Warn("connection lost", "gen", l.gen, "err", cause, "reconnect", !terminal)
	}
	s.notifyDisconnect(cause)

	if terminal {
		s.finish()
	}
	if startLoop {
		go s.reconnectLoop()
	}
}

func (s *Session) notifyDisconnect(cause error) {
	s.hooksMu.RLock()
	hooks := slices.Clone(s.onDisconnect)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("disconnect hook panicked", "panic", r)
				}
			}()
			fn(cause)
		}()
	}
}

// startReconnect launches the reconnect loop unless one is already running.
func (s *Session) startReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting || s.cur != nil {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	if s.gen == 0 {
		// never been open
		s.state = StateConnecting
	} else {
		s.state = StateReconnecting
	}
	s.mu.Unlock()
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	failures := 0
	for {
		if delay := NextBackoffDelay(s.cfg.Backoff, failures+1, s.rng); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-s.life.Done():
				timer.Stop()
				s.stopReconnecting()
				return
			case <-timer.C:
			}
		}

		err := s.Connect(s.life)
		if err == nil {
			s.mu.Lock()
			if s.cur != nil || s.closed {
				s.reconnecting = false
				s.mu.Unlock()
				return
			}
			// Lost again before we got here; keep going.
			s.mu.Unlock()
			failures = 0
			continue
		}
		if errors.Is(err, ErrClosed) || s.life.Err() != nil {
			s.stopReconnecting()
			return
		}

		failures++
		s.log.Warn("reconnect failed", "attempt", failures, "err", err)
		if s.cfg.MaxReconnectAttempts > 0 && failures >= s.cfg.MaxReconnectAttempts {
			s.mu.Lock()
			s.closed = true
			s.state = StateDisconnected
			s.reconnecting = false
			s.mu.Unlock()
			s.log.Error("reconnect attempts exhausted, session closed", "attempts", failures)
			s.finish()
			return
		}
	}
}

func (s *Session) stopReconnecting() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

// Close ends the session for good. The current connection, if any, is torn
// down and every scope handed out so far is cancelled.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed && s.cur == nil {
		s.mu.Unlock()
		s.finish()
		return nil
	}
	s.closed = true
	l := s.cur
	s.mu.Unlock()

	s.stopLife()
	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.fault(l, ErrClosed)
	} else {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
	}
	s.finish()
	return nil
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		s.stopLife()
		close(s.done)
	})
}

// wait blocks until the session is terminal, closing it when ctx ends first.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}
