// Package recorder writes Twitch chat into chat log files that the replay
// cursor in package chat reads back. It connects to Twitch IRC as a bot user
// and appends every channel message to a zstd-compressed log.
package recorder

import (
	"context"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is the payload stored for each chat line.
type Message struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	User        string         `json:"user"`
	DisplayName string         `json:"display_name,omitempty"`
	Color       string         `json:"color,omitempty"`
	Badges      map[string]int `json:"badges,omitempty"`
	Emotes      []string       `json:"emotes,omitempty"`
	Text        string         `json:"message"`
	Action      bool           `json:"action,omitempty"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	ReplyToUser string         `json:"reply_to_username,omitempty"`
	ReplyToText string         `json:"reply_to_message,omitempty"`
}

// FromPrivateMessage converts an IRC privmsg into the stored payload and its timestamp.
func FromPrivateMessage(msg twitch.PrivateMessage, now time.Time) (time.Time, Message) {
	ts := msg.Time
	if ts.IsZero() {
		ts = now
	}
	m := Message{
		ID:          msg.ID,
		UserID:      msg.User.ID,
		User:        msg.User.Name,
		DisplayName: msg.User.DisplayName,
		Color:       msg.User.Color,
		Text:        msg.Message,
		Action:      msg.Action,
		ReplyToID:   msg.Tags["reply-parent-msg-id"],
		ReplyToUser: msg.Tags["reply-parent-user-login"],
		ReplyToText: msg.Tags["reply-parent-msg-body"],
	}
	if len(msg.User.Badges) > 0 {
		m.Badges = msg.User.Badges
	}
	for _, e := range msg.Emotes {
		m.Emotes = append(m.Emotes, e.Name)
	}
	return ts.UTC(), m
}

// Config holds what Run needs to join a channel.
type Config struct {
	Channel  string
	Username string
	OAuth    string
	Path     string
}

// Run records chat for cfg.Channel into cfg.Path until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	w, err := Create(cfg.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			slog.Error("failed to close chat log", slog.Any("err", err), slog.String("path", cfg.Path))
		}
	}()

	logger := slog.Default().With(slog.String("component", "chat_recorder"), slog.String("channel", cfg.Channel))
	go flushLoop(ctx, w, flushInterval, logger)

	client := twitch.NewClient(cfg.Username, cfg.OAuth)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ts, m := FromPrivateMessage(msg, time.Now())
		if err := w.Write(ts, m); err != nil {
			logger.Error("failed to record chat message", slog.Any("err", err))
		}
	})
	client.OnConnect(func() { logger.Info("connected to twitch chat", slog.String("path", cfg.Path)) })

	// Handle context cancellation by closing the client
	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()

	client.Join(cfg.Channel)
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		logger.Error("twitch chat connect error", slog.Any("err", err))
		return err
	}
	return nil
}

// flushLoop seals buffered lines every interval so quiet channels still reach
// readers promptly.
func flushLoop(ctx context.Context, w *Writer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				logger.Warn("failed to flush chat log", slog.Any("err", err))
			}
		}
	}
}
