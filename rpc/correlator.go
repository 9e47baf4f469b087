// Package rpc issues OneBot API calls and matches their replies.
//
// Over a socket, replies share the connection with unsolicited events and are
// told apart by the echo field the Correlator attaches to every call.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicebartender/onebot/ws"
)

const DefaultCallTimeout = 30 * time.Second

// Sender writes a frame and reports which connection carried it.
type Sender interface {
	SendScoped(ctx context.Context, frame []byte) (ws.Scope, error)
}

type pendingCall struct {
	slot chan Response
}

type CorrelatorConfig struct {
	// Timeout applies when Call is given a zero timeout. Zero means DefaultCallTimeout.
	Timeout time.Duration
	// IDFunc generates echo values. Defaults to uuid.NewString.
	IDFunc func() string
	Logger *slog.Logger
}

type Correlator struct {
	sender  Sender
	timeout time.Duration
	newID   func() string
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func NewCorrelator(sender Sender, cfg CorrelatorConfig) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.IDFunc == nil {
		cfg.IDFunc = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Correlator{
		sender:  sender,
		timeout: cfg.Timeout,
		newID:   cfg.IDFunc,
		log:     cfg.Logger,
		pending: make(map[string]*pendingCall),
	}
}

// Outstanding returns the number of calls waiting for a reply.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call satisfies Caller using the configured timeout.
func (c *Correlator) Call(ctx context.Context, action string, params any) (Response, error) {
	return c.CallTimeout(ctx, action, params, 0)
}

// CallTimeout sends one action and waits for its reply. The wait ends early
// when the connection that carried the frame goes away (ErrCallCancelled)
// or when ctx is done.
func (c *Correlator) CallTimeout(ctx context.Context, action string, params any, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if params == nil {
		params = struct{}{}
	}

	id := c.newID()
	call := &pendingCall{slot: make(chan Response, 1)}
	if !c.register(id, call) {
		return nil, fmt.Errorf("%w: %s", ErrConcurrency, id)
	}
	defer c.unregister(id, call)

	frame, err := json.Marshal(ActionFrame{Action: action, Params: params, Echo: id})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	scope, err := c.sender.SendScoped(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case resp := <-call.slot:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, action, timeout)
	case <-scope.Done:
		return nil, fmt.Errorf("%w: %s: connection lost", ErrCallCancelled, action)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrCallCancelled, action, ctx.Err())
	}
}

func (c *Correlator) register(id string, call *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.pending[id]; taken {
		return false
	}
	c.pending[id] = call
	return true
}

// unregister removes id only if it still belongs to call.
func (c *Correlator) unregister(id string, call *pendingCall) {
	c.mu.Lock()
	if c.pending[id] == call {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Correlator) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// Deliver consumes frame if it is a call reply and reports whether it did.
// Replies nobody is waiting for are dropped. Frames without an echo are
// events and are left to the caller.
func (c *Correlator) Deliver(frame []byte) bool {
	var peek echoPeek
	if err := json.Unmarshal(frame, &peek); err != nil {
		return false
	}
	id, ok := echoKey(peek.Echo)
	if !ok {
		return false
	}

	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.log.Warn("rpc: undecodable reply dropped", "echo", id, "err", err)
		return true
	}
	delete(resp, "echo")

	call := c.take(id)
	if call == nil {
		c.log.Debug("rpc: reply for unknown echo dropped", "echo", id)
		return true
	}
	call.slot <- resp
	return true
}
