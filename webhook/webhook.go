// Package webhook receives posts pushed over HTTP and answers requests in
// the response body.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nicebartender/onebot/router"
)

var ErrSignatureMismatch = errors.New("webhook: signature mismatch")

const (
	HeaderSignature = "X-Signature"
	maxBodySize     = 16 << 20
)

type Config struct {
	// Secret enables X-Signature verification when set.
	Secret string
	Logger *slog.Logger
}

type Handler struct {
	secret []byte
	router *router.Router
	log    *slog.Logger
}

func NewHandler(cfg Config, rt *router.Router) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{router: rt, log: cfg.Logger}
	if cfg.Secret != "" {
		h.secret = []byte(cfg.Secret)
	}
	return h
}

// Sign returns the X-Signature value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body. It is constant time in the digest.
func Verify(secret, body []byte, header string) error {
	hexSum, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return ErrSignatureMismatch
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.log.Warn("webhook: read body failed", "err", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// A bad signature looks exactly like an unanswered post to the sender.
	if h.secret != nil {
		if err := Verify(h.secret, body, r.Header.Get(HeaderSignature)); err != nil {
			h.log.Debug("webhook: post dropped", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	_, d, err := h.router.Route(r.Context(), body)
	if err != nil || d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out, err := json.Marshal(d)
	if err != nil {
		h.log.Error("webhook: encode disposition failed", "err", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
