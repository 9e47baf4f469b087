// Package post holds the decoded shapes of inbound OneBot posts and the
// fixed table that classifies raw frames into them.
package post

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol        = errors.New("post: protocol fault")
	ErrMalformed       = fmt.Errorf("%w: malformed frame", ErrProtocol)
	ErrUnknownCategory = fmt.Errorf("%w: unknown post_type", ErrProtocol)
	ErrUnknownSubtype  = fmt.Errorf("%w: unknown subtype", ErrProtocol)
)

type Category string

const (
	CategoryMessage Category = "message"
	CategoryNotice  Category = "notice"
	CategoryRequest Category = "request"
	CategoryMeta    Category = "meta_event"
)

// Header carries the fields every post shares.
type Header struct {
	Time     int64    `json:"time"`
	SelfID   int64    `json:"self_id"`
	PostType Category `json:"post_type"`
}

func (h *Header) Base() *Header { return h }

// Post is one inbound event or request.
type Post interface {
	Category() Category
	// Subtype is the second-level discriminator: message_type, notice_type,
	// request_type or meta_event_type depending on the category.
	Subtype() string
	// Endpoint is where the post originated. Meta events return the zero Endpoint.
	Endpoint() Endpoint
	Base() *Header
}

// Request is a post that waits for a disposition.
type Request interface {
	Post
	Flag() string
}

type EndpointKind int

const (
	EndpointPrivate EndpointKind = iota + 1
	EndpointGroup
	EndpointDiscuss
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointPrivate:
		return "private"
	case EndpointGroup:
		return "group"
	case EndpointDiscuss:
		return "discuss"
	default:
		return "none"
	}
}

// Endpoint addresses a conversation. Two endpoints are equal when kind and id match.
type Endpoint struct {
	Kind EndpointKind
	ID   int64
}

func PrivateEndpoint(userID int64) Endpoint    { return Endpoint{Kind: EndpointPrivate, ID: userID} }
func GroupEndpoint(groupID int64) Endpoint     { return Endpoint{Kind: EndpointGroup, ID: groupID} }
func DiscussEndpoint(discussID int64) Endpoint { return Endpoint{Kind: EndpointDiscuss, ID: discussID} }

func (e Endpoint) IsZero() bool { return e.Kind == 0 }

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Kind, e.ID)
}
