package reverse

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var (
	ErrBadHandshake     = errors.New("reverse: bad handshake")
	ErrUnauthorized     = errors.New("reverse: unauthorized")
	ErrAlreadyListening = errors.New("reverse: already listening")
)

const (
	HeaderRole   = "X-Client-Role"
	HeaderSelfID = "X-Self-ID"

	// RoleUniversal is the only role accepted: API calls and events share one socket.
	RoleUniversal = "Universal"
)

// Handshake is what a peer declares in its upgrade request.
type Handshake struct {
	Role   string
	SelfID int64
}

// ParseHandshake validates the OneBot reverse headers.
func ParseHandshake(r *http.Request) (Handshake, error) {
	role := r.Header.Get(HeaderRole)
	if role != RoleUniversal {
		return Handshake{}, fmt.Errorf("%w: %s %q", ErrBadHandshake, HeaderRole, role)
	}
	raw := r.Header.Get(HeaderSelfID)
	if raw == "" {
		return Handshake{}, fmt.Errorf("%w: missing %s", ErrBadHandshake, HeaderSelfID)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %s %q", ErrBadHandshake, HeaderSelfID, raw)
	}
	return Handshake{Role: role, SelfID: id}, nil
}

// BearerToken extracts the token from "Bearer <t>" or "Token <t>".
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "Token "} {
		if len(auth) > len(scheme) && strings.EqualFold(auth[:len(scheme)], scheme) {
			return strings.TrimSpace(auth[len(scheme):])
		}
	}
	return ""
}

// TokenAuth returns an authentication func comparing the Authorization
// token with token. An empty token accepts every request. A non-zero selfID
// additionally pins the X-Self-ID header.
func TokenAuth(token string, selfID int64) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if selfID != 0 && r.Header.Get(HeaderSelfID) != strconv.FormatInt(selfID, 10) {
			return false
		}
		if token == "" {
			return true
		}
		got := BearerToken(r)
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
}
