package post

const (
	RequestFriend = "friend"
	RequestGroup  = "group"

	GroupRequestAdd    = "add"
	GroupRequestInvite = "invite"
)

type RequestHeader struct {
	Header
	RequestType string `json:"request_type"`
	UserID      int64  `json:"user_id"`
	Comment     string `json:"comment"`
	RawFlag     string `json:"flag"`
}

func (r *RequestHeader) Category() Category { return CategoryRequest }
func (r *RequestHeader) Subtype() string    { return r.RequestType }

// Flag is the token the peer needs to resolve this request later.
func (r *RequestHeader) Flag() string { return r.RawFlag }

type FriendRequest struct {
	RequestHeader
}

func (r *FriendRequest) Endpoint() Endpoint { return PrivateEndpoint(r.UserID) }

// GroupRequest is either someone asking to join (add) or the bot being
// invited (invite).
type GroupRequest struct {
	RequestHeader
	SubType string `json:"sub_type"`
	GroupID int64  `json:"group_id"`
}

func (r *GroupRequest) Endpoint() Endpoint { return GroupEndpoint(r.GroupID) }

// Disposition is a handler's answer to a request. A nil *Disposition means
// the handler has no opinion.
type Disposition struct {
	Approve bool `json:"approve"`
	// Remark sets the friend's remark name when approving a friend request.
	Remark string `json:"remark,omitempty"`
	// Reason is sent to the requester when denying a group request.
	Reason string `json:"reason,omitempty"`
	// Block asks the peer to stop passing the post to other plugins.
	Block bool `json:"block,omitempty"`
}

func Approve() *Disposition { return &Disposition{Approve: true} }

func Deny(reason string) *Disposition { return &Disposition{Approve: false, Reason: reason} }
