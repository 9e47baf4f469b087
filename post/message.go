package post

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

const (
	MessagePrivate = "private"
	MessageGroup   = "group"
	MessageDiscuss = "discuss"

	GroupSubNormal    = "normal"
	GroupSubAnonymous = "anonymous"
	GroupSubNotice    = "notice"
)

type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Age      int32  `json:"age,omitempty"`
	Area     string `json:"area,omitempty"`
	Level    string `json:"level,omitempty"`
	Role     string `json:"role,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Segment is one element of an array-form message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// MessageHeader is shared by every message post.
type MessageHeader struct {
	Header
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   int32           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Font        int32           `json:"font"`
	Sender      Sender          `json:"sender"`

	contentOnce sync.Once
	content     []Segment
}

func (m *MessageHeader) Category() Category { return CategoryMessage }
func (m *MessageHeader) Subtype() string    { return m.MessageType }

// Content decodes the message field into segments. The result is computed
// once per post and shared by every caller.
func (m *MessageHeader) Content() []Segment {
	m.contentOnce.Do(func() {
		m.content = decodeSegments(m.Message, m.RawMessage)
	})
	return m.content
}

// Text joins the text segments of Content.
func (m *MessageHeader) Text() string {
	var b strings.Builder
	for _, seg := range m.Content() {
		if seg.Type != "text" {
			continue
		}
		if s, ok := seg.Data["text"].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

func decodeSegments(raw json.RawMessage, fallback string) []Segment {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return textSegments(fallback)
	}
	switch raw[0] {
	case '[':
		var segs []Segment
		if err := json.Unmarshal(raw, &segs); err == nil {
			return segs
		}
	case '{':
		var seg Segment
		if err := json.Unmarshal(raw, &seg); err == nil {
			return []Segment{seg}
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return textSegments(s)
		}
	}
	return textSegments(fallback)
}

func textSegments(s string) []Segment {
	if s == "" {
		return nil
	}
	return []Segment{{Type: "text", Data: map[string]any{"text": s}}}
}

type PrivateMessage struct {
	MessageHeader
}

func (m *PrivateMessage) Endpoint() Endpoint { return PrivateEndpoint(m.UserID) }

type Anonymous struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// GroupMessage covers the normal, anonymous and notice sub types; SubType
// says which.
type GroupMessage struct {
	MessageHeader
	GroupID   int64      `json:"group_id"`
	Anonymous *Anonymous `json:"anonymous"`
}

func (m *GroupMessage) Endpoint() Endpoint { return GroupEndpoint(m.GroupID) }

type DiscussMessage struct {
	MessageHeader
	DiscussID int64 `json:"discuss_id"`
}

func (m *DiscussMessage) Endpoint() Endpoint { return DiscussEndpoint(m.DiscussID) }
