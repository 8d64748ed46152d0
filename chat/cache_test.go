package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/chat"
	"github.com/onnwee/streamwatch/testutil"
)

type fakeCatalog struct {
	mu      sync.Mutex
	streams map[int64]chat.StreamInfo
	lookups int

	// When gate is set, StreamInfo signals entered and blocks until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeCatalog) StreamInfo(_ context.Context, id int64) (chat.StreamInfo, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	s, ok := f.streams[id]
	if !ok {
		return chat.StreamInfo{}, chat.ErrStreamNotFound
	}
	return s, nil
}

type fakeHistory struct {
	items []chat.Item
	err   error
}

func (f *fakeHistory) Messages(_ context.Context, _ int64, start, end time.Time) ([]chat.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []chat.Item
	for _, it := range f.items {
		if !it.TS.Before(start) && !it.TS.After(end) {
			out = append(out, it)
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg chat.CacheConfig) (*chat.SessionCache, *fakeCatalog, *fakeClock) {
	t.Helper()
	cat := &fakeCatalog{streams: map[int64]chat.StreamInfo{
		1: {ID: 1, StartedAt: base, ChatPath: writeLog(t, 10)},
		// The path does not exist: any attempt to open it would fail the test.
		2: {ID: 2, StartedAt: base},
	}}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	c := chat.NewSessionCache(cat, cfg)
	t.Cleanup(c.Close)
	return c, cat, clock
}

func TestSessionCacheAllocatesToken(t *testing.T) {
	c, _, _ := newTestCache(t, chat.CacheConfig{})
	tok, items, err := c.Get(context.Background(), uuid.Nil, 1, at(1), at(10))
	if err != nil {
		t.Fatal(err)
	}
	if tok == uuid.Nil {
		t.Fatal("expected a new session token")
	}
	assertRange(t, items, 1, 10)
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestSessionCacheReusesCursor(t *testing.T) {
	c, cat, _ := newTestCache(t, chat.CacheConfig{})
	ctx := context.Background()

	tok, first, err := c.Get(ctx, uuid.Nil, 1, at(1), at(4))
	if err != nil {
		t.Fatal(err)
	}
	tok2, second, err := c.Get(ctx, tok, 1, at(4).Add(time.Millisecond), at(10))
	if err != nil {
		t.Fatal(err)
	}
	if tok2 != tok {
		t.Errorf("token changed: %s -> %s", tok, tok2)
	}
	assertRange(t, append(first, second...), 1, 10)
	if cat.lookups != 1 {
		t.Errorf("catalog lookups = %d, want 1", cat.lookups)
	}
}

func TestSessionCacheNotFound(t *testing.T) {
	c, _, _ := newTestCache(t, chat.CacheConfig{})
	_, _, err := c.Get(context.Background(), uuid.Nil, 99, at(1), at(2))
	if !errors.Is(err, chat.ErrStreamNotFound) {
		t.Fatalf("err = %v, want ErrStreamNotFound", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after not found", c.Len())
	}
}

func TestSessionCacheStreamWithoutChat(t *testing.T) {
	c, _, _ := newTestCache(t, chat.CacheConfig{})
	ctx := context.Background()
	tok, items, err := c.Get(ctx, uuid.Nil, 2, at(1), at(10))
	if err != nil {
		t.Fatal(err)
	}
	if items == nil || len(items) != 0 {
		t.Fatalf("items = %v, want empty", items)
	}
	_, items, err = c.Get(ctx, tok, 2, at(1), at(10))
	if err != nil || len(items) != 0 {
		t.Fatalf("second call: items=%v err=%v", items, err)
	}
	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].HasChat {
		t.Errorf("sessions = %+v, want one without chat", sessions)
	}
}

func TestSessionCachePrune(t *testing.T) {
	c, _, clock := newTestCache(t, chat.CacheConfig{IdleTTL: 10 * time.Minute})
	ctx := context.Background()

	stale, _, err := c.Get(ctx, uuid.Nil, 1, at(1), at(5))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(10*time.Minute - time.Nanosecond)
	fresh, _, err := c.Get(ctx, uuid.Nil, 1, at(1), at(2))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Nanosecond)

	removed, err := c.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed = %v, want [%s]", removed, stale)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	// The fresh session kept its position.
	_, items, err := c.Get(ctx, fresh, 1, at(3), at(4))
	if err != nil {
		t.Fatal(err)
	}
	assertRange(t, items, 3, 4)

	// A pruned token behaves like a fresh miss starting from the stream start.
	tok, items, err := c.Get(ctx, stale, 1, at(1), at(10))
	if err != nil {
		t.Fatal(err)
	}
	if tok != stale {
		t.Errorf("token = %s, want reuse of %s", tok, stale)
	}
	assertRange(t, items, 1, 10)
}

func TestSessionCacheDrop(t *testing.T) {
	c, cat, _ := newTestCache(t, chat.CacheConfig{})
	ctx := context.Background()
	tok, _, err := c.Get(ctx, uuid.Nil, 1, at(1), at(3))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Drop(ctx, tok); err != nil || !ok {
		t.Fatalf("Drop = %v, %v", ok, err)
	}
	if ok, _ := c.Drop(ctx, tok); ok {
		t.Error("second Drop reported an existing session")
	}
	if _, _, err := c.Get(ctx, tok, 1, at(1), at(3)); err != nil {
		t.Fatal(err)
	}
	if cat.lookups != 2 {
		t.Errorf("catalog lookups = %d, want 2", cat.lookups)
	}
}

func TestSessionCacheRebindsOnStreamChange(t *testing.T) {
	c, cat, _ := newTestCache(t, chat.CacheConfig{})
	ctx := context.Background()
	tok, _, err := c.Get(ctx, uuid.Nil, 1, at(1), at(3))
	if err != nil {
		t.Fatal(err)
	}
	_, items, err := c.Get(ctx, tok, 2, at(1), at(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("stream 2 has no chat, got %d items", len(items))
	}
	if cat.lookups != 2 {
		t.Errorf("catalog lookups = %d, want 2", cat.lookups)
	}
	sessions, _ := c.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].StreamID != 2 {
		t.Errorf("sessions = %+v, want one bound to stream 2", sessions)
	}
}

func TestSessionCacheReadErrorKeepsEntry(t *testing.T) {
	path := testutil.WriteChatLog(t, t.TempDir(), "broken.txt.zst", []string{
		testutil.ChatLine(at(1), payload(1)),
		"no-separator-here",
		testutil.ChatLine(at(3), payload(3)),
	})
	cat := &fakeCatalog{streams: map[int64]chat.StreamInfo{
		1: {ID: 1, StartedAt: base, ChatPath: path},
	}}
	c := chat.NewSessionCache(cat, chat.CacheConfig{})
	t.Cleanup(c.Close)

	ctx := context.Background()
	tok := uuid.New()
	if _, _, err := c.Get(ctx, tok, 1, at(1), at(5)); !errors.Is(err, chat.ErrMalformedLine) {
		t.Fatalf("err = %v, want ErrMalformedLine", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d after read error, want 1", c.Len())
	}

	// The retry reuses the cached entry and fails on the same line again.
	gotTok, _, err := c.Get(ctx, tok, 1, at(1), at(5))
	if !errors.Is(err, chat.ErrMalformedLine) {
		t.Fatalf("retry err = %v, want ErrMalformedLine", err)
	}
	if gotTok != tok {
		t.Errorf("token = %s, want %s", gotTok, tok)
	}
	cat.mu.Lock()
	lookups := cat.lookups
	cat.mu.Unlock()
	if lookups != 1 {
		t.Errorf("catalog lookups = %d, want 1", lookups)
	}
}

func TestSessionCacheCloseWaitsForInFlightGet(t *testing.T) {
	cat := &fakeCatalog{
		streams: map[int64]chat.StreamInfo{1: {ID: 1, StartedAt: base, ChatPath: writeLog(t, 3)}},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	c := chat.NewSessionCache(cat, chat.CacheConfig{})

	type result struct {
		items []chat.Item
		err   error
	}
	got := make(chan result, 1)
	go func() {
		_, items, err := c.Get(context.Background(), uuid.Nil, 1, at(1), at(3))
		got <- result{items, err}
	}()
	<-cat.entered

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a Get held the cache")
	case <-time.After(20 * time.Millisecond):
	}

	close(cat.gate)
	r := <-got
	if r.err != nil {
		t.Fatalf("Get: %v", r.err)
	}
	assertRange(t, r.items, 1, 3)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the Get finished")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after Close, want 0", c.Len())
	}
}

func TestSessionCacheMergesHistory(t *testing.T) {
	hist := &fakeHistory{items: []chat.Item{
		{TS: at(2).Add(500 * time.Millisecond), Content: json.RawMessage(`{"db":true}`)},
	}}
	c, _, _ := newTestCache(t, chat.CacheConfig{History: hist})
	_, items, err := c.Get(context.Background(), uuid.Nil, 1, at(1), at(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if string(items[2].Content) != `{"db":true}` {
		t.Errorf("items[2] = %s, want the db message", items[2].Content)
	}
}

func TestSessionCacheHistoryUnsorted(t *testing.T) {
	hist := &fakeHistory{items: []chat.Item{
		{TS: at(3), Content: json.RawMessage(`1`)},
		{TS: at(2), Content: json.RawMessage(`2`)},
	}}
	c, _, _ := newTestCache(t, chat.CacheConfig{History: hist})
	_, _, err := c.Get(context.Background(), uuid.Nil, 1, at(1), at(5))
	if !errors.Is(err, chat.ErrUnsorted) {
		t.Fatalf("err = %v, want ErrUnsorted", err)
	}
}

func TestSessionCacheConcurrentSessions(t *testing.T) {
	c, _, _ := newTestCache(t, chat.CacheConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, items, err := c.Get(ctx, uuid.Nil, 1, at(1), at(5))
			if err != nil {
				errs <- err
				return
			}
			if len(items) != 5 {
				errs <- errors.New("short first window")
				return
			}
			_, items, err = c.Get(ctx, tok, 1, at(6), at(10))
			if err != nil {
				errs <- err
				return
			}
			if len(items) != 5 {
				errs <- errors.New("short second window")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Len() != 8 {
		t.Errorf("Len = %d, want 8", c.Len())
	}
}

func TestSessionCacheRunStopsOnCancel(t *testing.T) {
	c := chat.NewSessionCache(&fakeCatalog{}, chat.CacheConfig{PruneInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionCacheOpenFailureNotCached(t *testing.T) {
	cat := &fakeCatalog{streams: map[int64]chat.StreamInfo{
		1: {ID: 1, StartedAt: base, ChatPath: filepath.Join(t.TempDir(), "gone.txt.zst")},
	}}
	c := chat.NewSessionCache(cat, chat.CacheConfig{})
	if _, _, err := c.Get(context.Background(), uuid.Nil, 1, at(1), at(2)); err == nil {
		t.Fatal("expected open error")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
