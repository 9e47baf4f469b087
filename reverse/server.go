// Package reverse accepts OneBot implementations that dial in.
//
// Each accepted peer gets its own inbound session, call correlator and
// router. Dispositions produced by that router are delivered back over the
// same socket.
package reverse

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicebartender/onebot/bot"
	"github.com/nicebartender/onebot/router"
	"github.com/nicebartender/onebot/rpc"
	"github.com/nicebartender/onebot/ws"
)

type Config struct {
	Addr string
	// Path is where upgrades are accepted. Defaults to "/".
	Path string
	// AccessToken and SelfID configure the default authentication.
	AccessToken string
	SelfID      int64

	Session     ws.Config
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Peer is one connected implementation.
type Peer struct {
	SelfID     int64
	Session    *ws.InboundSession
	Correlator *rpc.Correlator
	API        *rpc.API
	Router     *router.Router
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	auth      func(*http.Request) bool
	factory   func(selfID int64) *router.Router
	onConnect []func(p *Peer, remoteAddr string)
	peers     map[int64]*Peer
	base      context.Context
	listening bool
	addr      net.Addr
	ready     chan struct{}

	wg sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		auth:  TokenAuth(cfg.AccessToken, cfg.SelfID),
		peers: make(map[int64]*Peer),
		base:  context.Background(),
		ready: make(chan struct{}),
	}
}

// SetAuthentication replaces the default token check. fn runs after the
// headers are validated and before the upgrade.
func (s *Server) SetAuthentication(fn func(r *http.Request) bool) {
	s.mu.Lock()
	s.auth = fn
	s.mu.Unlock()
}

// ConfigureListener sets the factory building a router for each peer.
func (s *Server) ConfigureListener(fn func(selfID int64) *router.Router) {
	s.mu.Lock()
	s.factory = fn
	s.mu.Unlock()
}

// OnConnect registers fn to run for every accepted peer, after it is
// registered and before its receive loop starts.
func (s *Server) OnConnect(fn func(p *Peer, remoteAddr string)) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// Handler returns the upgrade endpoint mounted at Config.Path plus /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","peers":` + strconv.Itoa(s.PeerCount()) + `}`))
	})
	return mux
}

// Start listens on Config.Addr and serves until ctx is done. It may be
// called once per Server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listening = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.base = ctx
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("reverse server listening", "addr", s.addr.String(), "path", s.cfg.Path)
	err = srv.Serve(ln)
	s.closePeers()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Peer(selfID int64) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[selfID]
	return p, ok
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ServeHTTP validates and upgrades one peer connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs, err := ParseHandshake(r)
	if err != nil {
		s.log.Warn("rejected upgrade", "remote", r.RemoteAddr, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	auth := s.auth
	factory := s.factory
	base := s.base
	s.mu.Unlock()

	if auth != nil && !auth(r) {
		s.log.Warn("rejected upgrade", "remote", r.RemoteAddr, "selfID", hs.SelfID, "err", ErrUnauthorized)
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade failed", "err", err)
		return
	}

	sc := s.cfg.Session
	sc.Name = "peer-" + strconv.FormatInt(hs.SelfID, 10)
	in := ws.NewInbound(conn, sc)
	corr := rpc.NewCorrelator(in, rpc.CorrelatorConfig{Timeout: s.cfg.CallTimeout, Logger: s.log})
	api := rpc.NewAPI(corr)

	var rt *router.Router
	if factory != nil {
		rt = factory(hs.SelfID)
	}
	if rt == nil {
		rt = router.NewRouter(s.log)
	}
	rt.SetResponder(api)

	peer := &Peer{SelfID: hs.SelfID, Session: in, Correlator: corr, API: api, Router: rt}
	s.mu.Lock()
	old := s.peers[hs.SelfID]
	s.peers[hs.SelfID] = peer
	hooks := s.onConnect
	s.mu.Unlock()
	if old != nil {
		s.log.Info("peer replaced", "selfID", hs.SelfID)
		_ = old.Session.Close()
	}

	bot.Bind(base, in, corr, rt)
	s.log.Info("peer connected", "selfID", hs.SelfID, "remote", r.RemoteAddr)
	for _, fn := range hooks {
		fn(peer, r.RemoteAddr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = in.Listen(base)
		s.mu.Lock()
		if s.peers[hs.SelfID] == peer {
			delete(s.peers, hs.SelfID)
		}
		s.mu.Unlock()
		s.log.Info("peer disconnected", "selfID", hs.SelfID)
	}()
}

func (s *Server) closePeers() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Session.Close()
	}
}
