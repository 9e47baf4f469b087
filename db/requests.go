package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nicebartender/onebot/post"
)

// Request is one row of the request ledger. Approve is nil while no handler
// has answered.
type Request struct {
	Flag          string     `json:"flag"`
	SelfID        int64      `json:"selfId"`
	RequestType   string     `json:"requestType"`
	SubType       string     `json:"subType,omitempty"`
	UserID        int64      `json:"userId"`
	GroupID       int64      `json:"groupId,omitempty"`
	Comment       string     `json:"comment"`
	Approve       *bool      `json:"approve,omitempty"`
	Remark        string     `json:"remark,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Delivered     bool       `json:"delivered"`
	DeliveryError string     `json:"deliveryError,omitempty"`
	ReceivedAt    time.Time  `json:"receivedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// RecordRequest stores req and what became of it, keyed by flag. Recording
// the same flag again updates the outcome but keeps the first received_at.
func (db *DB) RecordRequest(ctx context.Context, req post.Request, d *post.Disposition, deliveryErr error) error {
	row := Request{
		Flag:        req.Flag(),
		SelfID:      req.Base().SelfID,
		RequestType: req.Subtype(),
	}
	switch r := req.(type) {
	case *post.FriendRequest:
		row.UserID, row.Comment = r.UserID, r.Comment
	case *post.GroupRequest:
		row.UserID, row.Comment = r.UserID, r.Comment
		row.SubType, row.GroupID = r.SubType, r.GroupID
	default:
		return fmt.Errorf("record request: unsupported %T", req)
	}

	now := time.Now().UTC()
	var approve sql.NullBool
	var resolvedAt sql.NullTime
	if d != nil {
		approve = sql.NullBool{Bool: d.Approve, Valid: true}
		row.Remark, row.Reason = d.Remark, d.Reason
		row.Delivered = deliveryErr == nil
		resolvedAt = sql.NullTime{Time: now, Valid: true}
	}
	if deliveryErr != nil {
		row.DeliveryError = deliveryErr.Error()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO requests (flag, self_id, request_type, sub_type, user_id, group_id, comment,
			approve, remark, reason, delivered, delivery_error, received_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flag) DO UPDATE SET
			approve = excluded.approve,
			remark = excluded.remark,
			reason = excluded.reason,
			delivered = excluded.delivered,
			delivery_error = excluded.delivery_error,
			resolved_at = excluded.resolved_at
	`, row.Flag, row.SelfID, row.RequestType, row.SubType, row.UserID, row.GroupID, row.Comment,
		approve, row.Remark, row.Reason, row.Delivered, row.DeliveryError, now, resolvedAt)
	if err != nil {
		return fmt.Errorf("record request %s: %w", row.Flag, err)
	}
	return nil
}

const requestColumns = `flag, self_id, request_type, sub_type, user_id, group_id, comment,
	approve, remark, reason, delivered, delivery_error, received_at, resolved_at`

// ListRequests returns the newest requests first.
func (db *DB) ListRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return db.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit)
}

// PendingRequests returns requests no handler answered, oldest first.
func (db *DB) PendingRequests(ctx context.Context) ([]Request, error) {
	return db.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE approve IS NULL ORDER BY received_at, rowid`)
}

func (db *DB) GetRequest(ctx context.Context, flag string) (*Request, error) {
	rows, err := db.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE flag = ?`, flag)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (db *DB) queryRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			r          Request
			approve    sql.NullBool
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&r.Flag, &r.SelfID, &r.RequestType, &r.SubType, &r.UserID, &r.GroupID, &r.Comment,
			&approve, &r.Remark, &r.Reason, &r.Delivered, &r.DeliveryError, &r.ReceivedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if approve.Valid {
			v := approve.Bool
			r.Approve = &v
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			r.ResolvedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
