package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamwatch/chat"
)

// MessageHistory serves chat recorded in the messages table, for streams
// captured before chat logs were written to files. It implements chat.History.
type MessageHistory struct {
	DB *sql.DB
}

type dbMessage struct {
	ID         int64      `json:"id"`
	AuthorID   int64      `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Message    string     `json:"message"`
	Time       time.Time  `json:"time"`
	RealTime   *time.Time `json:"real_time,omitempty"`
}

// Messages returns the stream's messages with start <= time <= end, ordered by time.
func (h *MessageHistory) Messages(ctx context.Context, streamID int64, start, end time.Time) ([]chat.Item, error) {
	rows, err := h.DB.QueryContext(ctx, `
		SELECT messages.id, author_id, users.username, time, real_time, content
		FROM messages
		JOIN users ON users.id = author_id
		WHERE stream_id = $1 AND $2 <= time AND time <= $3
		ORDER BY time ASC, messages.id ASC`, streamID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	items := make([]chat.Item, 0)
	for rows.Next() {
		var (
			m        dbMessage
			realTime sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.Time, &realTime, &m.Message); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Time = m.Time.UTC()
		if realTime.Valid {
			rt := realTime.Time.UTC()
			m.RealTime = &rt
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", m.ID, err)
		}
		items = append(items, chat.Item{TS: m.Time, Content: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// InsertMessage stores one historical message, creating the author if needed.
func InsertMessage(ctx context.Context, dbx *sql.DB, streamID int64, username, content string, at time.Time) (int64, error) {
	var authorID int64
	err := dbx.QueryRowContext(ctx,
		`INSERT INTO users(username) VALUES($1)
		 ON CONFLICT(username) DO UPDATE SET username=EXCLUDED.username
		 RETURNING id`, username).Scan(&authorID)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	var id int64
	err = dbx.QueryRowContext(ctx,
		`INSERT INTO messages(stream_id, author_id, time, real_time, content) VALUES($1,$2,$3,$3,$4) RETURNING id`,
		streamID, authorID, at, content).Scan(&id)
	return id, err
}
