// Package server exposes the HTTP API handlers.
package server

import (
	"context"

	"github.com/onnwee/streamwatch/chat"
)

// pinger is the part of *sql.DB the health checks need.
type pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         pinger
	cache      *chat.SessionCache
	streamsDir string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db pinger, cache *chat.SessionCache, streamsDir string) *Handlers {
	return &Handlers{db: db, cache: cache, streamsDir: streamsDir}
}
