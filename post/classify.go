package post

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	PostType      Category `json:"post_type"`
	MessageType   string   `json:"message_type"`
	NoticeType    string   `json:"notice_type"`
	RequestType   string   `json:"request_type"`
	MetaEventType string   `json:"meta_event_type"`
	SubType       string   `json:"sub_type"`
}

func (e envelope) subtype() string {
	switch e.PostType {
	case CategoryMessage:
		return e.MessageType
	case CategoryNotice:
		return e.NoticeType
	case CategoryRequest:
		return e.RequestType
	case CategoryMeta:
		return e.MetaEventType
	default:
		return ""
	}
}

type route struct {
	category Category
	subtype  string
}

type decoder func(raw []byte, env envelope) (Post, error)

// table is the complete set of post shapes this package understands.
var table = map[route]decoder{
	{CategoryMessage, MessagePrivate}: decodeAs[PrivateMessage, *PrivateMessage],
	{CategoryMessage, MessageGroup}: withSubtypes(decodeAs[GroupMessage, *GroupMessage],
		GroupSubNormal, GroupSubAnonymous, GroupSubNotice),
	{CategoryMessage, MessageDiscuss}: decodeAs[DiscussMessage, *DiscussMessage],

	{CategoryNotice, NoticeGroupUpload}:   decodeAs[GroupUpload, *GroupUpload],
	{CategoryNotice, NoticeGroupAdmin}:    decodeAs[GroupAdmin, *GroupAdmin],
	{CategoryNotice, NoticeGroupDecrease}: decodeAs[GroupDecrease, *GroupDecrease],
	{CategoryNotice, NoticeGroupIncrease}: decodeAs[GroupIncrease, *GroupIncrease],
	{CategoryNotice, NoticeGroupBan}:      decodeAs[GroupBan, *GroupBan],
	{CategoryNotice, NoticeFriendAdd}:     decodeAs[FriendAdd, *FriendAdd],
	{CategoryNotice, NoticeGroupRecall}:   decodeAs[GroupRecall, *GroupRecall],
	{CategoryNotice, NoticeFriendRecall}:  decodeAs[FriendRecall, *FriendRecall],
	{CategoryNotice, NoticeNotify}:        decodeAs[Notify, *Notify],

	{CategoryRequest, RequestFriend}: decodeAs[FriendRequest, *FriendRequest],
	{CategoryRequest, RequestGroup}: withSubtypes(decodeAs[GroupRequest, *GroupRequest],
		GroupRequestAdd, GroupRequestInvite),

	{CategoryMeta, MetaLifecycle}: decodeAs[Lifecycle, *Lifecycle],
	{CategoryMeta, MetaHeartbeat}: decodeAs[Heartbeat, *Heartbeat],
}

// Classify decodes one inbound frame into its concrete post type.
func Classify(raw []byte) (Post, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.PostType {
	case CategoryMessage, CategoryNotice, CategoryRequest, CategoryMeta:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, env.PostType)
	}
	dec, ok := table[route{env.PostType, env.subtype()}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrUnknownSubtype, env.PostType, env.subtype())
	}
	return dec(raw, env)
}

func decodeAs[T any, P interface {
	*T
	Post
}](raw []byte, _ envelope) (Post, error) {
	p := P(new(T))
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// withSubtypes rejects frames whose sub_type is outside the allowed set
// before anything is decoded.
func withSubtypes(next decoder, allowed ...string) decoder {
	return func(raw []byte, env envelope) (Post, error) {
		for _, s := range allowed {
			if env.SubType == s {
				return next(raw, env)
			}
		}
		return nil, fmt.Errorf("%w: %s/%s/%q", ErrUnknownSubtype, env.PostType, env.subtype(), env.SubType)
	}
}
