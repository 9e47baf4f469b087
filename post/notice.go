package post

const (
	NoticeGroupUpload   = "group_upload"
	NoticeGroupAdmin    = "group_admin"
	NoticeGroupDecrease = "group_decrease"
	NoticeGroupIncrease = "group_increase"
	NoticeGroupBan      = "group_ban"
	NoticeFriendAdd     = "friend_add"
	NoticeGroupRecall   = "group_recall"
	NoticeFriendRecall  = "friend_recall"
	NoticeNotify        = "notify"
)

type NoticeHeader struct {
	Header
	NoticeType string `json:"notice_type"`
	SubType    string `json:"sub_type,omitempty"`
}

func (n *NoticeHeader) Category() Category { return CategoryNotice }
func (n *NoticeHeader) Subtype() string    { return n.NoticeType }

type File struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	BusID int64  `json:"busid"`
}

type GroupUpload struct {
	NoticeHeader
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
	File    File  `json:"file"`
}

func (n *GroupUpload) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

// GroupAdmin sub types: set, unset.
type GroupAdmin struct {
	NoticeHeader
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
}

func (n *GroupAdmin) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

// GroupDecrease sub types: leave, kick, kick_me.
type GroupDecrease struct {
	NoticeHeader
	GroupID    int64 `json:"group_id"`
	OperatorID int64 `json:"operator_id"`
	UserID     int64 `json:"user_id"`
}

func (n *GroupDecrease) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

// GroupIncrease sub types: approve, invite.
type GroupIncrease struct {
	NoticeHeader
	GroupID    int64 `json:"group_id"`
	OperatorID int64 `json:"operator_id"`
	UserID     int64 `json:"user_id"`
}

func (n *GroupIncrease) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

// GroupBan sub types: ban, lift_ban. Duration is in seconds.
type GroupBan struct {
	NoticeHeader
	GroupID    int64 `json:"group_id"`
	OperatorID int64 `json:"operator_id"`
	UserID     int64 `json:"user_id"`
	Duration   int64 `json:"duration"`
}

func (n *GroupBan) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

type FriendAdd struct {
	NoticeHeader
	UserID int64 `json:"user_id"`
}

func (n *FriendAdd) Endpoint() Endpoint { return PrivateEndpoint(n.UserID) }

type GroupRecall struct {
	NoticeHeader
	GroupID    int64 `json:"group_id"`
	UserID     int64 `json:"user_id"`
	OperatorID int64 `json:"operator_id"`
	MessageID  int64 `json:"message_id"`
}

func (n *GroupRecall) Endpoint() Endpoint { return GroupEndpoint(n.GroupID) }

type FriendRecall struct {
	NoticeHeader
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

func (n *FriendRecall) Endpoint() Endpoint { return PrivateEndpoint(n.UserID) }

// Notify sub types: poke, lucky_king, honor.
type Notify struct {
	NoticeHeader
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	TargetID  int64  `json:"target_id,omitempty"`
	HonorType string `json:"honor_type,omitempty"`
}

func (n *Notify) Endpoint() Endpoint {
	if n.GroupID == 0 {
		return PrivateEndpoint(n.UserID)
	}
	return GroupEndpoint(n.GroupID)
}
