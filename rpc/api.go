package rpc

import (
	"context"
	"fmt"

	"github.com/nicebartender/onebot/post"
)

// Caller performs one API action. *Correlator and *HTTPCaller implement it.
type Caller interface {
	Call(ctx context.Context, action string, params any) (Response, error)
}

// API wraps a Caller with the typed OneBot actions.
type API struct {
	caller Caller
}

func NewAPI(caller Caller) *API {
	return &API{caller: caller}
}

type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

type sentMessage struct {
	MessageID int32 `json:"message_id"`
}

// Do runs an action and returns its reply, turning a failed status into an
// *ActionError.
func (a *API) Do(ctx context.Context, action string, params any) (Response, error) {
	resp, err := a.caller.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		if ae, ok := err.(*ActionError); ok {
			ae.Action = action
		}
		return resp, err
	}
	return resp, nil
}

func (a *API) doInto(ctx context.Context, action string, params, out any) error {
	resp, err := a.Do(ctx, action, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (a *API) SendPrivateMsg(ctx context.Context, userID int64, message any) (int32, error) {
	var out sentMessage
	err := a.doInto(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": message,
	}, &out)
	return out.MessageID, err
}

func (a *API) SendGroupMsg(ctx context.Context, groupID int64, message any) (int32, error) {
	var out sentMessage
	err := a.doInto(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  message,
	}, &out)
	return out.MessageID, err
}

func (a *API) SendDiscussMsg(ctx context.Context, discussID int64, message any) (int32, error) {
	var out sentMessage
	err := a.doInto(ctx, "send_discuss_msg", map[string]any{
		"discuss_id": discussID,
		"message":    message,
	}, &out)
	return out.MessageID, err
}

// SendMsg sends to whatever conversation the endpoint names.
func (a *API) SendMsg(ctx context.Context, to post.Endpoint, message any) (int32, error) {
	switch to.Kind {
	case post.EndpointPrivate:
		return a.SendPrivateMsg(ctx, to.ID, message)
	case post.EndpointGroup:
		return a.SendGroupMsg(ctx, to.ID, message)
	case post.EndpointDiscuss:
		return a.SendDiscussMsg(ctx, to.ID, message)
	default:
		return 0, fmt.Errorf("rpc: cannot send to endpoint %s", to)
	}
}

// Reply answers a message post in the conversation it came from.
func (a *API) Reply(ctx context.Context, p post.Post, message any) (int32, error) {
	return a.SendMsg(ctx, p.Endpoint(), message)
}

func (a *API) DeleteMsg(ctx context.Context, messageID int32) error {
	return a.doInto(ctx, "delete_msg", map[string]any{"message_id": messageID}, nil)
}

func (a *API) SetGroupKick(ctx context.Context, groupID, userID int64, rejectAddRequest bool) error {
	return a.doInto(ctx, "set_group_kick", map[string]any{
		"group_id":           groupID,
		"user_id":            userID,
		"reject_add_request": rejectAddRequest,
	}, nil)
}

// SetGroupBan mutes a member for seconds; zero lifts the ban.
func (a *API) SetGroupBan(ctx context.Context, groupID, userID int64, seconds int64) error {
	return a.doInto(ctx, "set_group_ban", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"duration": seconds,
	}, nil)
}

func (a *API) GetLoginInfo(ctx context.Context) (LoginInfo, error) {
	var out LoginInfo
	err := a.doInto(ctx, "get_login_info", nil, &out)
	return out, err
}

// SetFriendAddRequest resolves a friend request by its flag.
func (a *API) SetFriendAddRequest(ctx context.Context, flag string, d post.Disposition) error {
	params := map[string]any{
		"flag":    flag,
		"approve": d.Approve,
	}
	if d.Remark != "" {
		params["remark"] = d.Remark
	}
	return a.doInto(ctx, "set_friend_add_request", params, nil)
}

// SetGroupAddRequest resolves a group join or invite request. subType is
// "add" or "invite", as carried by the request.
func (a *API) SetGroupAddRequest(ctx context.Context, flag, subType string, d post.Disposition) error {
	params := map[string]any{
		"flag":     flag,
		"sub_type": subType,
		"type":     subType,
		"approve":  d.Approve,
	}
	if d.Reason != "" {
		params["reason"] = d.Reason
	}
	return a.doInto(ctx, "set_group_add_request", params, nil)
}

// Resolve delivers a disposition for any request post.
func (a *API) Resolve(ctx context.Context, req post.Request, d post.Disposition) error {
	switch r := req.(type) {
	case *post.FriendRequest:
		return a.SetFriendAddRequest(ctx, r.Flag(), d)
	case *post.GroupRequest:
		return a.SetGroupAddRequest(ctx, r.Flag(), r.SubType, d)
	default:
		return fmt.Errorf("rpc: no resolve action for %T", req)
	}
}
