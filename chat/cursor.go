package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/onnwee/streamwatch/telemetry"
)

// ErrMalformedLine is the sentinel wrapped by every LineError.
var ErrMalformedLine = errors.New("malformed chat log line")

// LineError reports a chat log line that could not be parsed.
type LineError struct {
	Path   string
	Line   int64
	Reason string
	Err    error
}

func (e *LineError) Error() string {
	msg := fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LineError) Is(target error) bool { return target == ErrMalformedLine }

func (e *LineError) Unwrap() error { return e.Err }

// Cursor scans one stream's compressed chat log forward, window by window.
// A Cursor is owned by a single session and is not safe for concurrent use.
type Cursor struct {
	path        string
	streamStart time.Time

	f   *os.File
	dec *zstd.Decoder
	r   *bufio.Reader

	// lastSeen is the timestamp of the most recently read line, including a
	// line that was only stashed as the orphan.
	lastSeen time.Time
	// consumed is the timestamp of the most recent line that was returned or
	// discarded. A window starting at or before it needs a rewind.
	consumed     time.Time
	haveConsumed bool
	orphan       *Item

	lineNo    int64
	linesRead int64
	reopens   int
}

// NewCursor opens the chat log at path. streamStart seeds the last-seen timestamp.
func NewCursor(path string, streamStart time.Time) (*Cursor, error) {
	c := &Cursor{path: path, streamStart: streamStart, lastSeen: streamStart}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) open() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd reader for %s: %w", c.path, err)
	}
	c.f, c.dec = f, dec
	c.r = bufio.NewReaderSize(dec, 64*1024)
	c.lineNo = 0
	return nil
}

// rewind reopens the log from the beginning and forgets all scan state.
func (c *Cursor) rewind() error {
	c.closeHandles()
	c.orphan = nil
	c.lastSeen = c.streamStart
	c.consumed, c.haveConsumed = time.Time{}, false
	c.reopens++
	return c.open()
}

func (c *Cursor) closeHandles() {
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
	if c.f != nil {
		if err := c.f.Close(); err != nil {
			slog.Warn("failed to close chat log", slog.String("path", c.path), slog.Any("err", err))
		}
		c.f = nil
	}
	c.r = nil
}

// Close releases the file and decoder.
func (c *Cursor) Close() error {
	c.closeHandles()
	return nil
}

// LastSeen returns the timestamp of the most recently read line.
func (c *Cursor) LastSeen() time.Time { return c.lastSeen }

// LinesRead returns the number of log lines read since the cursor was created.
func (c *Cursor) LinesRead() int64 { return c.linesRead }

// Reopens returns how many times the log had to be reopened for a backward seek.
func (c *Cursor) Reopens() int { return c.reopens }

func (c *Cursor) consume(ts time.Time) {
	c.consumed, c.haveConsumed = ts, true
}

// GetBetween returns every item with start <= ts <= end that has not already
// been consumed by an earlier call, in log order. Windows that start at or
// before already consumed data reopen the log from the beginning.
func (c *Cursor) GetBetween(ctx context.Context, start, end time.Time) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.r == nil {
		if err := c.open(); err != nil {
			return nil, err
		}
	}
	if c.haveConsumed && !start.After(c.consumed) {
		slog.Warn("chat cursor seeking back",
			slog.String("component", "chat_cursor"),
			slog.String("path", c.path),
			slog.Time("from", c.lastSeen),
			slog.Time("to", start))
		telemetry.IncBackwardSeeks()
		if err := c.rewind(); err != nil {
			return nil, err
		}
	}

	res := make([]Item, 0)
	if o := c.orphan; o != nil {
		switch {
		case o.TS.After(end):
			return res, nil
		case o.TS.Before(start):
			c.orphan = nil
			c.consume(o.TS)
		default:
			c.orphan = nil
			c.consume(o.TS)
			res = append(res, *o)
		}
	}

	var read int64
	defer func() {
		c.linesRead += read
		telemetry.AddLinesRead(read)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := c.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return nil, fmt.Errorf("read chat log %s: %w", c.path, err)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read chat log %s: %w", c.path, err)
		}
		c.lineNo++
		read++

		item, perr := c.parseLine(line)
		if perr != nil {
			return nil, perr
		}
		c.lastSeen = item.TS

		switch {
		case item.TS.Before(start):
			c.consume(item.TS)
		case item.TS.After(end):
			c.orphan = &item
			return res, nil
		default:
			c.consume(item.TS)
			res = append(res, item)
		}
	}
}

// parseLine splits "<RFC3339 timestamp> <payload>" and validates the payload.
func (c *Cursor) parseLine(line []byte) (Item, error) {
	line = bytes.TrimRight(line, "\r\n")
	ts, payload, ok := bytes.Cut(line, []byte{' '})
	if !ok {
		return Item{}, &LineError{Path: c.path, Line: c.lineNo, Reason: "missing separator"}
	}
	t, err := time.Parse(time.RFC3339Nano, string(ts))
	if err != nil {
		return Item{}, &LineError{Path: c.path, Line: c.lineNo, Reason: "bad timestamp", Err: err}
	}
	if !json.Valid(payload) {
		return Item{}, &LineError{Path: c.path, Line: c.lineNo, Reason: "invalid payload"}
	}
	return Item{TS: t.UTC(), Content: json.RawMessage(payload)}, nil
}
