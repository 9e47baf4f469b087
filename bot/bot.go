// Package bot wires sessions, the call correlator and a router together.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nicebartender/onebot/router"
	"github.com/nicebartender/onebot/rpc"
	"github.com/nicebartender/onebot/ws"
)

// FrameSource is anything that hands out inbound frames.
type FrameSource interface {
	OnFrame(fn func(frame []byte))
}

// Bind routes every frame from src: call replies are settled inline on the
// receive loop, everything else is handed to rt on its own goroutine so the
// next frame can be read while handlers run. Either corr or rt may be nil.
func Bind(ctx context.Context, src FrameSource, corr *rpc.Correlator, rt *router.Router) {
	src.OnFrame(func(frame []byte) {
		if corr != nil && corr.Deliver(frame) {
			return
		}
		if rt == nil {
			return
		}
		go rt.HandleFrame(ctx, frame)
	})
}

type Config struct {
	// UniversalURL carries both API calls and events on one socket. When it
	// is empty, APIURL and EventURL are dialed separately.
	UniversalURL string
	APIURL       string
	EventURL     string

	Session     ws.Config
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Client is a forward connection to a OneBot implementation.
type Client struct {
	log      *slog.Logger
	sessions []*ws.OutboundSession
	corr     *rpc.Correlator
	api      *rpc.API
	router   *router.Router
	events   *ws.OutboundSession
}

func NewClient(cfg Config, rt *router.Router) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	c := &Client{log: cfg.Logger, router: rt}

	session := func(name, url string) *ws.OutboundSession {
		sc := cfg.Session
		sc.Name = name
		s := ws.NewOutbound(url, sc)
		c.sessions = append(c.sessions, s)
		return s
	}

	var apiSess *ws.OutboundSession
	switch {
	case cfg.UniversalURL != "":
		apiSess = session("universal", cfg.UniversalURL)
		c.events = apiSess
	case cfg.APIURL != "" && cfg.EventURL != "":
		apiSess = session("api", cfg.APIURL)
		c.events = session("event", cfg.EventURL)
	default:
		return nil, errors.New("bot: need a universal url or both api and event urls")
	}

	c.corr = rpc.NewCorrelator(apiSess, rpc.CorrelatorConfig{Timeout: cfg.CallTimeout, Logger: cfg.Logger})
	c.api = rpc.NewAPI(c.corr)
	if rt != nil {
		rt.SetResponder(c.api)
	}
	return c, nil
}

func (c *Client) API() *rpc.API { return c.api }

func (c *Client) Correlator() *rpc.Correlator { return c.corr }

// Run connects every session and blocks until ctx is done or all sessions
// have ended. It returns the first session error.
func (c *Client) Run(ctx context.Context) error {
	apiSess := c.sessions[0]
	if apiSess == c.events {
		Bind(ctx, apiSess, c.corr, c.router)
	} else {
		Bind(ctx, apiSess, c.corr, nil)
		Bind(ctx, c.events, nil, c.router)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range c.sessions {
		wg.Add(1)
		go func(s *ws.OutboundSession) {
			defer wg.Done()
			err := s.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error("session ended", "url", s.URL(), "err", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return firstErr
}

// Close ends every session.
func (c *Client) Close() error {
	for _, s := range c.sessions {
		_ = s.Close()
	}
	return nil
}
