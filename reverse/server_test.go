package reverse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicebartender/onebot/post"
	"github.com/nicebartender/onebot/router"
)

func quietConfig() Config {
	return Config{
		AccessToken: "secret",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func upgradeRequest(header map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

func TestMissingSelfIDRejectedBeforeAuth(t *testing.T) {
	s := NewServer(quietConfig())
	var authCalls atomic.Int32
	s.SetAuthentication(func(r *http.Request) bool {
		authCalls.Add(1)
		return true
	})

	tests := []map[string]string{
		{HeaderRole: RoleUniversal},
		{HeaderRole: RoleUniversal, HeaderSelfID: "abc"},
		{HeaderRole: "Event", HeaderSelfID: "10001"},
		{HeaderSelfID: "10001"},
	}
	for _, h := range tests {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, upgradeRequest(h))
		if w.Code != http.StatusBadRequest {
			t.Errorf("headers %v: status = %d, want 400", h, w.Code)
		}
	}
	if n := authCalls.Load(); n != 0 {
		t.Errorf("auth called %d times, want 0", n)
	}
	if s.PeerCount() != 0 {
		t.Error("peer registered for a rejected request")
	}
}

func TestBadTokenRejected(t *testing.T) {
	s := NewServer(quietConfig())
	w := httptest.NewRecorder()
	s.ServeHTTP(w, upgradeRequest(map[string]string{
		HeaderRole:      RoleUniversal,
		HeaderSelfID:    "10001",
		"Authorization": "Bearer wrong",
	}))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		selfID int64
		header map[string]string
		want   bool
	}{
		{"bearer", "t", 0, map[string]string{"Authorization": "Bearer t"}, true},
		{"token scheme", "t", 0, map[string]string{"Authorization": "Token t"}, true},
		{"wrong", "t", 0, map[string]string{"Authorization": "Bearer x"}, false},
		{"missing", "t", 0, nil, false},
		{"no token configured", "", 0, nil, true},
		{"pinned self id", "", 5, map[string]string{HeaderSelfID: "5"}, true},
		{"other self id", "", 5, map[string]string{HeaderSelfID: "6"}, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range tt.header {
			r.Header.Set(k, v)
		}
		if got := TokenAuth(tt.token, tt.selfID)(r); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func dialPeer(t *testing.T, url string, selfID string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set(HeaderRole, RoleUniversal)
	h.Set(HeaderSelfID, selfID)
	h.Set("Authorization", "Bearer secret")
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		t.Fatalf("dial failed: %v %s", err, status)
	}
	return conn
}

func TestPeerRequestAnsweredOverSameSocket(t *testing.T) {
	s := NewServer(quietConfig())
	var factorySelfID atomic.Int64
	s.ConfigureListener(func(selfID int64) *router.Router {
		factorySelfID.Store(selfID)
		rt := router.NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
		rt.OnGroupAddRequest(func(ctx context.Context, r *post.GroupRequest) (*post.Disposition, error) {
			return post.Deny("closed"), nil
		})
		return rt
	})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	conn := dialPeer(t, url, "10001")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(
		`{"post_type":"request","request_type":"group","sub_type":"add","group_id":3,"user_id":4,"flag":"join-1","self_id":10001}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var call struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
		Echo   string         `json:"echo"`
	}
	if err := conn.ReadJSON(&call); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if call.Action != "set_group_add_request" || call.Params["flag"] != "join-1" ||
		call.Params["approve"] != false || call.Params["reason"] != "closed" {
		t.Errorf("call = %+v", call)
	}
	if factorySelfID.Load() != 10001 {
		t.Errorf("factory self id = %d", factorySelfID.Load())
	}

	peer, ok := s.Peer(10001)
	if !ok {
		t.Fatal("peer not registered")
	}
	if err := conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": call.Echo}); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for peer.Correlator.Outstanding() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if peer.Correlator.Outstanding() != 0 {
		t.Error("reply did not settle the follow-up call")
	}
}

// waitPeer polls until selfID is registered to a peer other than not.
func waitPeer(t *testing.T, s *Server, selfID int64, not *Peer) *Peer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := s.Peer(selfID); ok && p != not {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer %d never registered", selfID)
	return nil
}

func TestDuplicateSelfIDReplacesPeer(t *testing.T) {
	s := NewServer(quietConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	first := dialPeer(t, url, "7")
	defer first.Close()
	p1 := waitPeer(t, s, 7, nil)

	second := dialPeer(t, url, "7")
	defer second.Close()
	waitPeer(t, s, 7, p1)

	select {
	case <-p1.Session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced session still open")
	}
	if s.PeerCount() != 1 {
		t.Errorf("peers = %d, want 1", s.PeerCount())
	}
}

func TestStartTwice(t *testing.T) {
	cfg := quietConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Start = %v, want ErrAlreadyListening", err)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCancelClosesConnectedPeers(t *testing.T) {
	cfg := quietConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}

	conn := dialPeer(t, "ws://"+s.Addr().String()+"/", "42")
	defer conn.Close()
	p := waitPeer(t, s, 42, nil)

	cancel()
	select {
	case <-p.Session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer session survived cancel")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("client read = %v, want normal close", err)
	}
}
