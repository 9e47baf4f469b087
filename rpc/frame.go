package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrConcurrency   = errors.New("rpc: echo already outstanding")
	ErrCallTimeout   = errors.New("rpc: call timed out")
	ErrCallCancelled = errors.New("rpc: call cancelled")
	ErrActionFailed  = errors.New("rpc: action failed")
)

// ActionFrame is an outgoing API call.
type ActionFrame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// echoPeek pulls the echo out of a frame without decoding the rest.
type echoPeek struct {
	Echo json.RawMessage `json:"echo"`
}

// echoKey normalises an echo value to the string used as the map key. Peers
// reflect the echo verbatim, so a string echo comes back as a string.
func echoKey(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// Response is a reply object with its echo removed.
type Response map[string]json.RawMessage

func (r Response) Status() string {
	var s string
	_ = json.Unmarshal(r["status"], &s)
	return s
}

func (r Response) RetCode() int {
	var c int
	_ = json.Unmarshal(r["retcode"], &c)
	return c
}

// Decode unmarshals the data field into v.
func (r Response) Decode(v any) error {
	data, ok := r["data"]
	if !ok || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Err reports a failed status as an *ActionError.
func (r Response) Err() error {
	if r.Status() == "failed" {
		return &ActionError{RetCode: r.RetCode()}
	}
	return nil
}

type ActionError struct {
	Action  string
	RetCode int
}

func (e *ActionError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("rpc: action failed, retcode %d", e.RetCode)
	}
	return fmt.Sprintf("rpc: %s failed, retcode %d", e.Action, e.RetCode)
}

func (e *ActionError) Unwrap() error { return ErrActionFailed }
