// Package server exposes the HTTP API: the chat replay endpoint, health,
// readiness, metrics, and admin views of the chat session cache. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streamwatch/chat"
	"github.com/onnwee/streamwatch/telemetry"
)

// getChatEndpointPattern matches /streams/{id}/chat, the rate limited endpoint.
var getChatEndpointPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/streams/[0-9]+/chat$`)
})

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutines.
func NewMux(ctx context.Context, db pinger, cache *chat.SessionCache, streamsDir string) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	// A player polls chat every few seconds per viewer, so the chat budget is generous.
	chatLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig("CHAT", 600, time.Minute))
	adminLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig("ADMIN", 10, time.Minute))

	handlers := NewHandlers(db, cache, streamsDir)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/streams/", handlers.HandleStreamsDispatcher)
	mux.HandleFunc("/admin/chat/sessions", handlers.HandleAdminChatSessions)
	mux.HandleFunc("/admin/chat/sessions/", handlers.HandleAdminChatSessions)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, adminLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		if getChatEndpointPattern().MatchString(r.URL.Path) {
			rateLimitMiddleware(mux, chatLimiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := routeTemplate(r.URL.Path)
		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+route,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(route),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrapped, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrapped.statusCode)
		if wrapped.statusCode >= 400 {
			span.SetStatus(telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrapped.statusCode)))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// routeTemplate collapses ids and tokens out of path so span names stay low-cardinality.
func routeTemplate(path string) string {
	switch {
	case getChatEndpointPattern().MatchString(path):
		return "/streams/{id}/chat"
	case strings.HasPrefix(path, "/streams/"):
		return "/streams/{id}"
	case strings.HasPrefix(path, "/admin/chat/sessions/") && len(path) > len("/admin/chat/sessions/"):
		return "/admin/chat/sessions/{token}"
	}
	return path
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start serves h on addr and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
