package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamwatch/chat"
)

// Catalog resolves streams from the streams table and checks for their chat
// logs under StreamsDir. It implements chat.Catalog.
type Catalog struct {
	DB         *sql.DB
	StreamsDir string
}

// StreamInfo returns chat.ErrStreamNotFound when no stream has the id.
func (c *Catalog) StreamInfo(ctx context.Context, id int64) (chat.StreamInfo, error) {
	var (
		fileName string
		ts       time.Time
	)
	err := c.DB.QueryRowContext(ctx, `SELECT file_name, ts FROM streams WHERE id=$1`, id).Scan(&fileName, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.StreamInfo{}, chat.ErrStreamNotFound
	}
	if err != nil {
		return chat.StreamInfo{}, fmt.Errorf("query stream: %w", err)
	}
	info := chat.StreamInfo{ID: id, StartedAt: ts.UTC()}
	path := chat.ChatFilePath(c.StreamsDir, fileName)
	ok, err := chat.HasChat(path)
	if err != nil {
		return chat.StreamInfo{}, fmt.Errorf("stat chat log: %w", err)
	}
	if ok {
		info.ChatPath = path
	}
	return info, nil
}

// InsertStream adds a stream row and returns its id.
func InsertStream(ctx context.Context, dbx *sql.DB, title, fileName string, ts time.Time) (int64, error) {
	var id int64
	err := dbx.QueryRowContext(ctx,
		`INSERT INTO streams(title, file_name, ts) VALUES($1,$2,$3)
		 ON CONFLICT(file_name) DO UPDATE SET title=EXCLUDED.title, ts=EXCLUDED.ts
		 RETURNING id`, title, fileName, ts).Scan(&id)
	return id, err
}
