package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nicebartender/onebot/db"
	"github.com/nicebartender/onebot/post"
	"github.com/nicebartender/onebot/router"
	"github.com/nicebartender/onebot/rpc"
)

// newRouter builds the handler set the binary runs with. api may return nil
// when no call path is available yet.
func newRouter(cfg Config, ledger *db.DB, log *slog.Logger, api func() *rpc.API) *router.Router {
	rt := router.NewRouter(log)

	rt.OnPrivateMessage(func(ctx context.Context, m *post.PrivateMessage) error {
		log.Info("private message", "from", m.UserID, "text", m.Text())
		return replyPing(ctx, api, m, m.Text())
	})
	rt.OnGroupMessage(func(ctx context.Context, m *post.GroupMessage) error {
		log.Info("group message", "group", m.GroupID, "from", m.UserID, "text", m.Text())
		return replyPing(ctx, api, m, m.Text())
	})
	rt.OnAnonymousMessage(func(ctx context.Context, m *post.GroupMessage) error {
		name := ""
		if m.Anonymous != nil {
			name = m.Anonymous.Name
		}
		log.Info("anonymous message", "group", m.GroupID, "as", name)
		return nil
	})
	rt.OnDiscussMessage(func(ctx context.Context, m *post.DiscussMessage) error {
		log.Info("discuss message", "discuss", m.DiscussID, "from", m.UserID)
		return nil
	})
	router.HandleNotice(rt, post.NoticeGroupIncrease, func(ctx context.Context, n *post.GroupIncrease) error {
		log.Info("member joined", "group", n.GroupID, "user", n.UserID, "via", n.SubType)
		return nil
	})
	router.HandleNotice(rt, post.NoticeGroupDecrease, func(ctx context.Context, n *post.GroupDecrease) error {
		log.Info("member left", "group", n.GroupID, "user", n.UserID, "via", n.SubType)
		return nil
	})
	rt.OnMeta(post.MetaLifecycle, func(ctx context.Context, p post.Post) error {
		log.Info("lifecycle", "selfID", p.Base().SelfID)
		return nil
	})

	if cfg.AutoApproveFriends {
		rt.OnFriendRequest(func(ctx context.Context, r *post.FriendRequest) (*post.Disposition, error) {
			return post.Approve(), nil
		})
	}
	if cfg.AutoApproveGroupInvites {
		rt.OnGroupInvite(func(ctx context.Context, r *post.GroupRequest) (*post.Disposition, error) {
			return post.Approve(), nil
		})
	}

	rt.OnDisposition(func(ctx context.Context, req post.Request, d *post.Disposition, deliveryErr error) {
		if d != nil {
			log.Info("request resolved", "type", req.Subtype(), "flag", req.Flag(), "approve", d.Approve, "deliveryErr", deliveryErr)
		}
		if ledger == nil {
			return
		}
		if err := ledger.RecordRequest(ctx, req, d, deliveryErr); err != nil {
			log.Error("ledger write failed", "flag", req.Flag(), "err", err)
		}
	})
	return rt
}

func replyPing(ctx context.Context, api func() *rpc.API, p post.Post, text string) error {
	if strings.TrimSpace(text) != "/ping" || api == nil {
		return nil
	}
	a := api()
	if a == nil {
		return nil
	}
	_, err := a.Reply(ctx, p, "pong")
	return err
}
