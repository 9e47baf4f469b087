package db

import (
	"context"
	"database/sql"
	"time"
)

// Peer is an implementation that has dialed in to the reverse server.
type Peer struct {
	SelfID       int64     `json:"selfId"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectCount int       `json:"connectCount"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// TouchPeer records a connection from selfID.
func (db *DB) TouchPeer(ctx context.Context, selfID int64, remoteAddr string) (*Peer, error) {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO peers (self_id, remote_addr, connect_count, first_seen, last_seen)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(self_id) DO UPDATE SET
			remote_addr = CASE WHEN excluded.remote_addr != '' THEN excluded.remote_addr ELSE peers.remote_addr END,
			connect_count = peers.connect_count + 1,
			last_seen = excluded.last_seen
	`, selfID, remoteAddr, now, now)
	if err != nil {
		return nil, err
	}
	return db.GetPeer(ctx, selfID)
}

func (db *DB) GetPeer(ctx context.Context, selfID int64) (*Peer, error) {
	p := &Peer{}
	err := db.QueryRowContext(ctx, `
		SELECT self_id, remote_addr, connect_count, first_seen, last_seen
		FROM peers WHERE self_id = ?
	`, selfID).Scan(&p.SelfID, &p.RemoteAddr, &p.ConnectCount, &p.FirstSeen, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}
