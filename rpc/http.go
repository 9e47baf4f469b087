package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCaller performs each action as one POST to <root>/<action>. No echo
// is needed since the reply is the HTTP response.
type HTTPCaller struct {
	root   string
	token  string
	client *http.Client
}

func NewHTTPCaller(apiRoot, accessToken string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &HTTPCaller{
		root:   strings.TrimSuffix(apiRoot, "/"),
		token:  accessToken,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPCaller) Call(ctx context.Context, action string, params any) (Response, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.root+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", action, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", action, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post %s: %s", action, res.Status)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", action, err)
	}
	return resp, nil
}
