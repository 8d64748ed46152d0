package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/onnwee/streamwatch/telemetry"
)

const (
	// flushEvery is how many lines are buffered before the frame is sealed.
	flushEvery = 100
	// flushInterval bounds how long a quiet channel keeps lines buffered.
	flushInterval = 5 * time.Second
)

// Writer appends records to a zstd-compressed chat log, one
// "<RFC3339 timestamp> <json>" line per record. Timestamps written are
// non-decreasing: a record older than its predecessor is stamped with the
// predecessor's time.
//
// Buffered lines are written out as a complete zstd frame, so a reader that
// opens the log mid-recording sees every sealed record and nothing partial.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	enc     *zstd.Encoder
	last    time.Time
	pending int
}

// Create opens the log at path for appending, creating it if needed. Records
// from an earlier run are kept and new timestamps never go below the last one
// recorded. A tail left undecodable by a crash is cut off first.
func Create(path string) (*Writer, error) {
	st, err := inspectLog(path)
	if err != nil {
		return nil, err
	}
	if st.damaged != nil {
		slog.Warn("chat log has a damaged tail, keeping intact lines",
			slog.String("component", "chat_recorder"),
			slog.String("path", path),
			slog.Int("lines", st.lines),
			slog.Any("err", st.damaged))
		if err := rewriteIntact(path, st.lines); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &Writer{f: f, enc: enc, last: st.last}, nil
}

type logState struct {
	last    time.Time
	lines   int
	damaged error
}

// inspectLog counts the newline-terminated lines of an existing log and
// returns the timestamp of the last one. A missing or empty log is zero.
func inspectLog(path string) (logState, error) {
	var st logState
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		return st, nil
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return st, fmt.Errorf("zstd reader for %s: %w", path, err)
	}
	defer dec.Close()

	r := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			switch {
			case !errors.Is(err, io.EOF):
				st.damaged = err
			case len(line) > 0:
				st.damaged = io.ErrUnexpectedEOF
			}
			return st, nil
		}
		st.lines++
		if ts, ok := lineTime(line); ok {
			st.last = ts
		}
	}
}

func lineTime(line []byte) (time.Time, bool) {
	prefix, _, ok := bytes.Cut(line, []byte{' '})
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(prefix))
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// rewriteIntact replaces the log at path with its first n lines.
func rewriteIntact(path string, n int) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer src.Close()
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd reader for %s: %w", path, err)
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".repair-*")
	if err != nil {
		return fmt.Errorf("create repair file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	r := bufio.NewReaderSize(dec, 64*1024)
	for i := 0; i < n; i++ {
		line, rerr := r.ReadBytes('\n')
		if rerr != nil {
			_ = enc.Close()
			return fmt.Errorf("reread chat log %s: %w", path, rerr)
		}
		if _, err := enc.Write(line); err != nil {
			_ = enc.Close()
			return fmt.Errorf("write repaired chat log: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod repaired chat log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close repaired chat log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace chat log: %w", err)
	}
	return nil
}

// Write encodes payload as JSON and appends it stamped with ts.
func (w *Writer) Write(ts time.Time, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode chat record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return os.ErrClosed
	}
	ts = ts.UTC()
	if ts.Before(w.last) {
		ts = w.last
	}
	w.last = ts

	line := make([]byte, 0, len(b)+40)
	line = ts.AppendFormat(line, time.RFC3339Nano)
	line = append(line, ' ')
	line = append(line, b...)
	line = append(line, '\n')
	if _, err := w.enc.Write(line); err != nil {
		return fmt.Errorf("write chat record: %w", err)
	}
	telemetry.IncRecordedLines()
	w.pending++
	if w.pending >= flushEvery {
		return w.sealLocked()
	}
	return nil
}

// Flush seals the buffered lines into a complete frame. It is a no-op when
// nothing is pending or the writer is closed.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sealLocked()
}

func (w *Writer) sealLocked() error {
	if w.enc == nil || w.pending == 0 {
		return nil
	}
	w.pending = 0
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("seal chat log frame: %w", err)
	}
	w.enc.Reset(w.f)
	return nil
}

// Close seals any buffered lines and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	var encErr error
	if w.pending > 0 {
		encErr = w.enc.Close()
	}
	w.enc = nil
	fErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("close zstd writer: %w", encErr)
	}
	return fErr
}
