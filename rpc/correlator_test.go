package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nicebartender/onebot/ws"
)

type fakeSender struct {
	sent chan ActionFrame
	done chan struct{}
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: make(chan ActionFrame, 128),
		done: make(chan struct{}),
	}
}

func (f *fakeSender) SendScoped(_ context.Context, frame []byte) (ws.Scope, error) {
	if f.err != nil {
		return ws.Scope{}, f.err
	}
	var af ActionFrame
	if err := json.Unmarshal(frame, &af); err != nil {
		return ws.Scope{}, err
	}
	f.sent <- af
	return ws.Scope{Gen: 1, Done: f.done}, nil
}

func (f *fakeSender) next(t *testing.T) ActionFrame {
	t.Helper()
	select {
	case af := <-f.sent:
		return af
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return ActionFrame{}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type callResult struct {
	resp Response
	err  error
}

func callAsync(c *Correlator, ctx context.Context, action string, timeout time.Duration) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		resp, err := c.CallTimeout(ctx, action, nil, timeout)
		out <- callResult{resp, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("call never returned")
		return callResult{}
	}
}

func sequenceIDs(ids ...string) func() string {
	var n atomic.Int32
	return func() string {
		i := int(n.Add(1)) - 1
		if i < len(ids) {
			return ids[i]
		}
		return fmt.Sprintf("id-%d", i)
	}
}

func TestOutstandingEchoesAreUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("simultaneous calls never share an echo", prop.ForAll(
		func(n int) bool {
			sender := newFakeSender()
			c := NewCorrelator(sender, CorrelatorConfig{Logger: quietLogger()})
			ctx := context.Background()

			results := make([]<-chan callResult, n)
			for i := range results {
				results[i] = callAsync(c, ctx, "get_status", 5*time.Second)
			}

			seen := make(map[string]bool, n)
			for i := 0; i < n; i++ {
				select {
				case af := <-sender.sent:
					if seen[af.Echo] {
						return false
					}
					seen[af.Echo] = true
				case <-time.After(2 * time.Second):
					return false
				}
			}
			if c.Outstanding() != n {
				return false
			}
			for echo := range seen {
				if !c.Deliver([]byte(fmt.Sprintf(`{"echo":%q,"status":"ok","retcode":0}`, echo))) {
					return false
				}
			}
			for _, ch := range results {
				select {
				case r := <-ch:
					if r.err != nil {
						return false
					}
				case <-time.After(2 * time.Second):
					return false
				}
			}
			return c.Outstanding() == 0
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

func TestReplyResolvesOnlyItsCall(t *testing.T) {
	sender := newFakeSender()
	c := NewCorrelator(sender, CorrelatorConfig{IDFunc: sequenceIDs("E", "F"), Logger: quietLogger()})
	ctx := context.Background()

	first := callAsync(c, ctx, "a", 5*time.Second)
	sender.next(t)
	second := callAsync(c, ctx, "b", 5*time.Second)
	sender.next(t)

	if !c.Deliver([]byte(`{"echo":"E","foo":"bar"}`)) {
		t.Fatal("reply not consumed")
	}
	r := await(t, first)
	if r.err != nil {
		t.Fatalf("Call failed: %v", r.err)
	}
	if len(r.resp) != 1 || string(r.resp["foo"]) != `"bar"` {
		t.Errorf("resp = %v, want {\"foo\":\"bar\"}", r.resp)
	}

	select {
	case <-second:
		t.Fatal("unrelated call resolved")
	default:
	}
	if got := c.Outstanding(); got != 1 {
		t.Errorf("outstanding = %d, want 1", got)
	}
	c.Deliver([]byte(`{"echo":"F"}`))
	if r := await(t, second); r.err != nil {
		t.Errorf("second call failed: %v", r.err)
	}
}

func TestUnknownEchoIsDropped(t *testing.T) {
	sender := newFakeSender()
	c := NewCorrelator(sender, CorrelatorConfig{IDFunc: sequenceIDs("known"), Logger: quietLogger()})

	pending := callAsync(c, context.Background(), "a", 5*time.Second)
	sender.next(t)

	if !c.Deliver([]byte(`{"echo":"stranger","status":"ok"}`)) {
		t.Error("echo frame should be consumed even when unmatched")
	}
	if got := c.Outstanding(); got != 1 {
		t.Errorf("outstanding = %d, want 1", got)
	}
	if c.Deliver([]byte(`{"post_type":"message"}`)) {
		t.Error("event frame consumed by correlator")
	}

	c.Deliver([]byte(`{"echo":"known"}`))
	await(t, pending)
}

func TestEchoCollisionRejectsNewCall(t *testing.T) {
	sender := newFakeSender()
	c := NewCorrelator(sender, CorrelatorConfig{
		IDFunc: func() string { return "same" },
		Logger: quietLogger(),
	})
	ctx := context.Background()

	first := callAsync(c, ctx, "a", 5*time.Second)
	sender.next(t)

	_, err := c.CallTimeout(ctx, "b", nil, time.Second)
	if !errors.Is(err, ErrConcurrency) {
		t.Fatalf("err = %v, want ErrConcurrency", err)
	}

	c.Deliver([]byte(`{"echo":"same","status":"ok"}`))
	r := await(t, first)
	if r.err != nil {
		t.Fatalf("original call disturbed: %v", r.err)
	}
	if r.resp.Status() != "ok" {
		t.Errorf("status = %q", r.resp.Status())
	}
}

func TestCallTimeout(t *testing.T) {
	c := NewCorrelator(newFakeSender(), CorrelatorConfig{Logger: quietLogger()})

	_, err := c.CallTimeout(context.Background(), "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	if c.Outstanding() != 0 {
		t.Error("timed out call left in map")
	}
}

func TestDisconnectCancelsCall(t *testing.T) {
	sender := newFakeSender()
	c := NewCorrelator(sender, CorrelatorConfig{Logger: quietLogger()})

	pending := callAsync(c, context.Background(), "a", time.Minute)
	sender.next(t)
	close(sender.done)

	r := await(t, pending)
	if !errors.Is(r.err, ErrCallCancelled) {
		t.Fatalf("err = %v, want ErrCallCancelled", r.err)
	}
	if c.Outstanding() != 0 {
		t.Error("cancelled call left in map")
	}
}

func TestContextCancelsCall(t *testing.T) {
	sender := newFakeSender()
	c := NewCorrelator(sender, CorrelatorConfig{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())

	pending := callAsync(c, ctx, "a", time.Minute)
	sender.next(t)
	cancel()

	r := await(t, pending)
	if !errors.Is(r.err, ErrCallCancelled) || !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCallCancelled wrapping context.Canceled", r.err)
	}
}

func TestSendFailureReturnedAndCleanedUp(t *testing.T) {
	sender := newFakeSender()
	sender.err = ws.ErrTransport
	c := NewCorrelator(sender, CorrelatorConfig{Logger: quietLogger()})

	_, err := c.Call(context.Background(), "a", nil)
	if !errors.Is(err, ws.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if c.Outstanding() != 0 {
		t.Error("failed call left in map")
	}
}

// A session that drops without reconnecting fails outstanding calls
// immediately instead of letting them run into their timeout.
func TestCallCancelledWhenSessionDrops(t *testing.T) {
	got := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		once.Do(func() { got <- conn })
	}))
	defer srv.Close()

	cfg := ws.DefaultConfig()
	cfg.AutoReconnect = false
	cfg.PingInterval = 0
	cfg.Logger = quietLogger()
	sess := ws.NewOutbound("ws"+strings.TrimPrefix(srv.URL, "http"), cfg)
	defer sess.Close()

	c := NewCorrelator(sess, CorrelatorConfig{Logger: quietLogger()})
	sess.OnFrame(func(b []byte) { c.Deliver(b) })

	start := time.Now()
	pending := callAsync(c, context.Background(), "get_status", time.Minute)

	select {
	case conn := <-got:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the call")
	}

	r := await(t, pending)
	if !errors.Is(r.err, ErrCallCancelled) {
		t.Fatalf("err = %v, want ErrCallCancelled", r.err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("call waited for its timeout")
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not terminal")
	}
	if sess.State() != ws.StateDisconnected {
		t.Errorf("state = %s, want disconnected", sess.State())
	}
}

func TestCallRoundTripOverSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var af ActionFrame
			if err := conn.ReadJSON(&af); err != nil {
				return
			}
			// An event first, then the reply.
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`))
			_ = conn.WriteJSON(map[string]any{
				"status":  "ok",
				"retcode": 0,
				"data":    map[string]any{"user_id": 10001, "nickname": af.Action},
				"echo":    af.Echo,
			})
		}
	}))
	defer srv.Close()

	cfg := ws.DefaultConfig()
	cfg.PingInterval = 0
	cfg.Logger = quietLogger()
	sess := ws.NewOutbound(srv.URL, cfg)
	defer sess.Close()

	c := NewCorrelator(sess, CorrelatorConfig{Logger: quietLogger()})
	events := make(chan []byte, 4)
	sess.OnFrame(func(b []byte) {
		if !c.Deliver(b) {
			events <- b
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	info, err := NewAPI(c).GetLoginInfo(ctx)
	if err != nil {
		t.Fatalf("GetLoginInfo failed: %v", err)
	}
	if info.UserID != 10001 || info.Nickname != "get_login_info" {
		t.Errorf("info = %+v", info)
	}
	select {
	case <-events:
	case <-ctx.Done():
		t.Fatal("event frame not passed through")
	}
}
