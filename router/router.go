// Package router classifies inbound posts and runs the handlers registered
// for them.
//
// Messages, notices and meta events go to fire-and-forget handler sets.
// Requests go through an ordered responder chain that stops at the first
// handler returning a disposition.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nicebartender/onebot/post"
)

// ErrNoResponder is reported to observers when a disposition was produced
// but there was nothing to deliver it through.
var ErrNoResponder = errors.New("router: no responder configured")

type (
	PrivateHandler func(ctx context.Context, m *post.PrivateMessage) error
	GroupHandler   func(ctx context.Context, m *post.GroupMessage) error
	DiscussHandler func(ctx context.Context, m *post.DiscussMessage) error
	PostHandler    func(ctx context.Context, p post.Post) error

	FriendResponder func(ctx context.Context, r *post.FriendRequest) (*post.Disposition, error)
	GroupResponder  func(ctx context.Context, r *post.GroupRequest) (*post.Disposition, error)

	// Observer sees every request once routing is done. d is nil when no
	// handler answered; deliveryErr is set when a deferred delivery failed.
	Observer func(ctx context.Context, req post.Request, d *post.Disposition, deliveryErr error)
)

// Responder delivers a disposition after the fact, when the transport that
// carried the request has no reply path of its own.
type Responder interface {
	Resolve(ctx context.Context, req post.Request, d post.Disposition) error
}

type Router struct {
	log *slog.Logger

	mu             sync.RWMutex
	private        []PrivateHandler
	groupNormal    []GroupHandler
	groupAnonymous []GroupHandler
	groupNotice    []GroupHandler
	discuss        []DiscussHandler
	notices        map[string][]PostHandler
	meta           map[string][]PostHandler

	friend      []FriendResponder
	groupAdd    []GroupResponder
	groupInvite []GroupResponder

	responder Responder
	observers []Observer
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:     log,
		notices: make(map[string][]PostHandler),
		meta:    make(map[string][]PostHandler),
	}
}

func (r *Router) OnPrivateMessage(h PrivateHandler) {
	r.mu.Lock()
	r.private = append(r.private, h)
	r.mu.Unlock()
}

// OnGroupMessage registers h for ordinary group messages only.
func (r *Router) OnGroupMessage(h GroupHandler) {
	r.mu.Lock()
	r.groupNormal = append(r.groupNormal, h)
	r.mu.Unlock()
}

func (r *Router) OnAnonymousMessage(h GroupHandler) {
	r.mu.Lock()
	r.groupAnonymous = append(r.groupAnonymous, h)
	r.mu.Unlock()
}

// OnGroupNotice registers h for system notices posted as group messages.
func (r *Router) OnGroupNotice(h GroupHandler) {
	r.mu.Lock()
	r.groupNotice = append(r.groupNotice, h)
	r.mu.Unlock()
}

func (r *Router) OnDiscussMessage(h DiscussHandler) {
	r.mu.Lock()
	r.discuss = append(r.discuss, h)
	r.mu.Unlock()
}

// OnNotice registers h for one notice_type, such as post.NoticeGroupIncrease.
func (r *Router) OnNotice(noticeType string, h PostHandler) {
	r.mu.Lock()
	r.notices[noticeType] = append(r.notices[noticeType], h)
	r.mu.Unlock()
}

func (r *Router) OnMeta(metaType string, h PostHandler) {
	r.mu.Lock()
	r.meta[metaType] = append(r.meta[metaType], h)
	r.mu.Unlock()
}

// HandleNotice registers a handler typed to the concrete notice struct.
//
//	router.HandleNotice(r, post.NoticeGroupIncrease, func(ctx context.Context, n *post.GroupIncrease) error { ... })
func HandleNotice[P post.Post](r *Router, noticeType string, h func(context.Context, P) error) {
	r.OnNotice(noticeType, func(ctx context.Context, p post.Post) error {
		typed, ok := p.(P)
		if !ok {
			return fmt.Errorf("notice %s decoded as %T", noticeType, p)
		}
		return h(ctx, typed)
	})
}

func (r *Router) OnFriendRequest(h FriendResponder) {
	r.mu.Lock()
	r.friend = append(r.friend, h)
	r.mu.Unlock()
}

// OnGroupAddRequest registers h for users asking to join a group.
func (r *Router) OnGroupAddRequest(h GroupResponder) {
	r.mu.Lock()
	r.groupAdd = append(r.groupAdd, h)
	r.mu.Unlock()
}

// OnGroupInvite registers h for invitations of the bot into a group.
func (r *Router) OnGroupInvite(h GroupResponder) {
	r.mu.Lock()
	r.groupInvite = append(r.groupInvite, h)
	r.mu.Unlock()
}

// SetResponder sets where HandleFrame delivers dispositions.
func (r *Router) SetResponder(resp Responder) {
	r.mu.Lock()
	r.responder = resp
	r.mu.Unlock()
}

func (r *Router) OnDisposition(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Route classifies raw and runs its handlers. For requests it returns the
// winning disposition, leaving delivery to the caller. Classification
// failures are logged and returned; nothing is dispatched for them.
func (r *Router) Route(ctx context.Context, raw []byte) (post.Post, *post.Disposition, error) {
	p, d, err := r.route(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	if req, ok := p.(post.Request); ok {
		r.observe(ctx, req, d, nil)
	}
	return p, d, nil
}

// HandleFrame routes raw and delivers any disposition through the
// Responder. Delivery failures are logged and otherwise dropped.
func (r *Router) HandleFrame(ctx context.Context, raw []byte) {
	p, d, err := r.route(ctx, raw)
	if err != nil {
		return
	}
	req, ok := p.(post.Request)
	if !ok {
		return
	}
	var deliveryErr error
	if d != nil {
		deliveryErr = r.deliver(ctx, req, *d)
	}
	r.observe(ctx, req, d, deliveryErr)
}

func (r *Router) route(ctx context.Context, raw []byte) (post.Post, *post.Disposition, error) {
	p, err := post.Classify(raw)
	if err != nil {
		r.log.Warn("dropping frame", "err", err)
		return nil, nil, err
	}
	d := r.Dispatch(ctx, p)
	if _, isReq := p.(post.Request); isReq && d == nil {
		r.log.Debug("request left unanswered", "type", p.Subtype(), "from", p.Endpoint())
	}
	return p, d, nil
}

// Dispatch runs the handlers for an already classified post. Handlers run
// outside the registration lock, so they may register more handlers.
func (r *Router) Dispatch(ctx context.Context, p post.Post) *post.Disposition {
	r.mu.RLock()
	var (
		private   []PrivateHandler
		group     []GroupHandler
		discuss   []DiscussHandler
		generic   []PostHandler
		friend    []FriendResponder
		groupReqs []GroupResponder
	)
	switch v := p.(type) {
	case *post.PrivateMessage:
		private = r.private
	case *post.GroupMessage:
		switch v.SubType {
		case post.GroupSubAnonymous:
			group = r.groupAnonymous
		case post.GroupSubNotice:
			group = r.groupNotice
		default:
			group = r.groupNormal
		}
	case *post.DiscussMessage:
		discuss = r.discuss
	case *post.FriendRequest:
		friend = r.friend
	case *post.GroupRequest:
		if v.SubType == post.GroupRequestInvite {
			groupReqs = r.groupInvite
		} else {
			groupReqs = r.groupAdd
		}
	default:
		switch p.Category() {
		case post.CategoryNotice:
			generic = r.notices[p.Subtype()]
		case post.CategoryMeta:
			generic = r.meta[p.Subtype()]
		}
	}
	r.mu.RUnlock()

	switch v := p.(type) {
	case *post.PrivateMessage:
		runAll(ctx, r.log, v, private)
	case *post.GroupMessage:
		runAll(ctx, r.log, v, group)
	case *post.DiscussMessage:
		runAll(ctx, r.log, v, discuss)
	case *post.FriendRequest:
		return firstDisposition(ctx, r.log, v, friend)
	case *post.GroupRequest:
		return firstDisposition(ctx, r.log, v, groupReqs)
	default:
		runAll(ctx, r.log, p, generic)
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, req post.Request, d post.Disposition) error {
	r.mu.RLock()
	resp := r.responder
	r.mu.RUnlock()
	if resp == nil {
		r.log.Warn("disposition not delivered", "flag", req.Flag(), "err", ErrNoResponder)
		return ErrNoResponder
	}
	if err := resp.Resolve(ctx, req, d); err != nil {
		r.log.Warn("disposition delivery failed", "flag", req.Flag(), "approve", d.Approve, "err", err)
		return err
	}
	r.log.Debug("disposition delivered", "flag", req.Flag(), "approve", d.Approve)
	return nil
}

func (r *Router) observe(ctx context.Context, req post.Request, d *post.Disposition, deliveryErr error) {
	r.mu.RLock()
	obs := r.observers
	r.mu.RUnlock()
	for _, o := range obs {
		_ = guard(r.log, "observer", func() error {
			o(ctx, req, d, deliveryErr)
			return nil
		})
	}
}

// runAll calls every handler; one failing does not stop the rest.
func runAll[P any, H ~func(context.Context, P) error](ctx context.Context, log *slog.Logger, p P, hs []H) {
	for _, h := range hs {
		_ = guard(log, "handler", func() error { return h(ctx, p) })
	}
}

// firstDisposition folds the chain in order, stopping at the first non-nil
// disposition. Handlers that fail count as having no opinion.
func firstDisposition[P any, H ~func(context.Context, P) (*post.Disposition, error)](ctx context.Context, log *slog.Logger, p P, chain []H) *post.Disposition {
	for _, h := range chain {
		var d *post.Disposition
		err := guard(log, "responder", func() error {
			var err error
			d, err = h(ctx, p)
			return err
		})
		if err != nil {
			continue
		}
		if d != nil {
			return d
		}
	}
	return nil
}

// guard runs fn, converting a panic into an error. Errors are logged here.
func guard(log *slog.Logger, kind string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error(kind+" panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	if err = fn(); err != nil {
		log.Warn(kind+" failed", "err", err)
	}
	return err
}
