package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/telemetry"
)

// ErrStreamNotFound is returned when the catalog has no stream with the requested id.
var ErrStreamNotFound = errors.New("stream not found")

const (
	// DefaultIdleTTL is how long a session may go unused before the pruner drops it.
	DefaultIdleTTL = 10 * time.Minute
	// DefaultPruneInterval is how often the pruner runs.
	DefaultPruneInterval = 10 * time.Minute
)

// StreamInfo is the catalog view of a stream needed to replay its chat.
type StreamInfo struct {
	ID        int64
	StartedAt time.Time
	// ChatPath is empty when the stream has no chat log.
	ChatPath string
}

// HasChat reports whether the stream has a chat log.
func (s StreamInfo) HasChat() bool { return s.ChatPath != "" }

// Catalog resolves stream ids. It returns ErrStreamNotFound for unknown ids.
type Catalog interface {
	StreamInfo(ctx context.Context, id int64) (StreamInfo, error)
}

// History returns database-sourced chat items for a window, ordered by time.
type History interface {
	Messages(ctx context.Context, streamID int64, start, end time.Time) ([]Item, error)
}

// CacheConfig tunes a SessionCache. Zero values pick the defaults.
type CacheConfig struct {
	IdleTTL       time.Duration
	PruneInterval time.Duration
	// History, when set, is merged into every result.
	History History
	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	streamID   int64
	cursor     *Cursor // nil when the stream has no chat log
	lastAccess time.Time
}

// SessionInfo is a snapshot of one cached session.
type SessionInfo struct {
	Token      uuid.UUID `json:"session_token"`
	StreamID   int64     `json:"stream_id"`
	HasChat    bool      `json:"has_chat"`
	LastAccess time.Time `json:"last_access"`
}

// SessionCache maps session tokens to their chat cursors.
//
// A single lock guards the map and is held for the whole of a request,
// including the cursor's file read, so requests from different sessions are
// served one at a time. The lock is a one-slot channel so that waiters can give
// up when their context is canceled.
type SessionCache struct {
	catalog       Catalog
	history       History
	idleTTL       time.Duration
	pruneInterval time.Duration
	now           func() time.Time

	sem     chan struct{}
	entries map[uuid.UUID]*entry
}

// NewSessionCache builds an empty cache backed by catalog.
func NewSessionCache(catalog Catalog, cfg CacheConfig) *SessionCache {
	c := &SessionCache{
		catalog:       catalog,
		history:       cfg.History,
		idleTTL:       cfg.IdleTTL,
		pruneInterval: cfg.PruneInterval,
		now:           cfg.Now,
		sem:           make(chan struct{}, 1),
		entries:       make(map[uuid.UUID]*entry),
	}
	if c.idleTTL <= 0 {
		c.idleTTL = DefaultIdleTTL
	}
	if c.pruneInterval <= 0 {
		c.pruneInterval = DefaultPruneInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *SessionCache) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SessionCache) unlock() { <-c.sem }

// Get resolves the session (allocating a token when token is uuid.Nil) and
// returns the chat items of streamID within [start, end].
func (c *SessionCache) Get(ctx context.Context, token uuid.UUID, streamID int64, start, end time.Time) (uuid.UUID, []Item, error) {
	if token == uuid.Nil {
		token = uuid.New()
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerChat, "SessionCache.Get",
		telemetry.StreamIDAttr(streamID),
		telemetry.SessionAttr(token.String()))
	defer span.End()
	items, err := c.fromLog(ctx, token, streamID, start, end)
	if err != nil {
		telemetry.RecordError(span, err)
		return token, nil, err
	}

	if c.history != nil {
		dbItems, err := c.history.Messages(ctx, streamID, start, end)
		if err != nil {
			telemetry.RecordError(span, err)
			return token, nil, fmt.Errorf("history for stream %d: %w", streamID, err)
		}
		items, err = Merge(items, dbItems, itemTime)
		if err != nil {
			telemetry.RecordError(span, err)
			return token, nil, fmt.Errorf("merge chat for stream %d: %w", streamID, err)
		}
	}
	telemetry.SetSpanSuccess(span)
	return token, items, nil
}

func (c *SessionCache) fromLog(ctx context.Context, token uuid.UUID, streamID int64, start, end time.Time) ([]Item, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "chat_cache"),
		slog.String("session", token.String()),
		slog.Int64("stream_id", streamID))

	e, ok := c.entries[token]
	if ok && e.streamID != streamID {
		logger.Warn("session reused for another stream, rebuilding", slog.Int64("cached_stream_id", e.streamID))
		c.removeLocked(token)
		ok = false
	}
	if ok {
		logger.Debug("cache hit")
		telemetry.IncCacheHit()
		e.lastAccess = c.now()
	} else {
		logger.Debug("cache miss")
		telemetry.IncCacheMiss()
		var err error
		e, err = c.newEntry(ctx, streamID)
		if err != nil {
			return nil, err
		}
		c.entries[token] = e
		telemetry.SetCacheSessions(len(c.entries))
	}

	if e.cursor == nil {
		return []Item{}, nil
	}
	items, err := e.cursor.GetBetween(ctx, start, end)
	e.lastAccess = c.now()
	if err != nil {
		return nil, fmt.Errorf("read chat for stream %d: %w", streamID, err)
	}
	return items, nil
}

func (c *SessionCache) newEntry(ctx context.Context, streamID int64) (*entry, error) {
	info, err := c.catalog.StreamInfo(ctx, streamID)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup stream %d: %w", streamID, err)
	}
	e := &entry{streamID: streamID, lastAccess: c.now()}
	if info.HasChat() {
		cur, err := NewCursor(info.ChatPath, info.StartedAt)
		if err != nil {
			return nil, err
		}
		e.cursor = cur
	}
	return e, nil
}

func (c *SessionCache) removeLocked(token uuid.UUID) {
	if e, ok := c.entries[token]; ok {
		delete(c.entries, token)
		if e.cursor != nil {
			_ = e.cursor.Close()
		}
		telemetry.SetCacheSessions(len(c.entries))
	}
}

// Drop removes a session immediately. It reports whether the session existed.
func (c *SessionCache) Drop(ctx context.Context, token uuid.UUID) (bool, error) {
	if err := c.lock(ctx); err != nil {
		return false, err
	}
	defer c.unlock()
	_, ok := c.entries[token]
	c.removeLocked(token)
	return ok, nil
}

// Sessions returns a snapshot of the cached sessions, oldest access first.
func (c *SessionCache) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(c.entries))
	for tok, e := range c.entries {
		out = append(out, SessionInfo{Token: tok, StreamID: e.streamID, HasChat: e.cursor != nil, LastAccess: e.lastAccess})
	}
	c.unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccess.Before(out[j].LastAccess) })
	return out, nil
}

// Len returns the number of cached sessions. It waits for any in-flight
// request to finish, including its log read.
func (c *SessionCache) Len() int {
	c.sem <- struct{}{}
	defer c.unlock()
	return len(c.entries)
}

// Prune drops every session idle for longer than the idle TTL and returns the
// dropped tokens. The lock is only held while filtering; cursors are closed
// after it is released.
func (c *SessionCache) Prune(ctx context.Context) ([]uuid.UUID, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	cutoff := c.now().Add(-c.idleTTL)
	var (
		removed []uuid.UUID
		labels  []string
		cursors []*Cursor
	)
	for tok, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			delete(c.entries, tok)
			removed = append(removed, tok)
			labels = append(labels, fmt.Sprintf("%s (%d)", tok, e.streamID))
			if e.cursor != nil {
				cursors = append(cursors, e.cursor)
			}
		}
	}
	remaining := len(c.entries)
	c.unlock()

	for _, cur := range cursors {
		_ = cur.Close()
	}
	telemetry.SetCacheSessions(remaining)
	if len(removed) > 0 {
		telemetry.AddCachePruned(len(removed))
		sort.Strings(labels)
		slog.Info("pruned chat sessions",
			slog.String("component", "chat_cache"),
			slog.Int("count", len(removed)),
			slog.String("sessions", strings.Join(labels, ", ")))
	}
	return removed, nil
}

// Run prunes idle sessions every prune interval until ctx is canceled.
func (c *SessionCache) Run(ctx context.Context) {
	slog.Info("chat cache pruner starting",
		slog.String("component", "chat_cache"),
		slog.Duration("interval", c.pruneInterval),
		slog.Duration("idle_ttl", c.idleTTL))
	ticker := time.NewTicker(c.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("chat cache pruner stopped", slog.String("component", "chat_cache"))
			return
		case <-ticker.C:
			var err error
			telemetry.TimeFunc(telemetry.CachePruneDuration, func() { _, err = c.Prune(ctx) })
			if err != nil && ctx.Err() == nil {
				slog.Warn("chat cache prune failed", slog.Any("err", err), slog.String("component", "chat_cache"))
			}
		}
	}
}

// Close drops every session and releases their files. It takes no context
// and waits for any in-flight request to finish first, so call it after the
// HTTP server has stopped.
func (c *SessionCache) Close() {
	c.sem <- struct{}{}
	defer c.unlock()
	for tok := range c.entries {
		c.removeLocked(tok)
	}
}
