package post

import "encoding/json"

const (
	MetaLifecycle = "lifecycle"
	MetaHeartbeat = "heartbeat"
)

type MetaHeader struct {
	Header
	MetaEventType string `json:"meta_event_type"`
}

func (m *MetaHeader) Category() Category { return CategoryMeta }
func (m *MetaHeader) Subtype() string    { return m.MetaEventType }
func (m *MetaHeader) Endpoint() Endpoint { return Endpoint{} }

// Lifecycle sub types: enable, disable, connect.
type Lifecycle struct {
	MetaHeader
	SubType string `json:"sub_type"`
}

type Heartbeat struct {
	MetaHeader
	Status   json.RawMessage `json:"status"`
	Interval int64           `json:"interval"`
}
