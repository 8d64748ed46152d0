package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ChatLine formats one chat log record.
func ChatLine(ts time.Time, payload string) string {
	return ts.UTC().Format(time.RFC3339Nano) + " " + payload
}

// WriteChatLog writes lines as a zstd-compressed chat log named name inside dir
// and returns its path. A trailing newline is added after every line.
func WriteChatLog(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create chat log: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		t.Fatalf("zstd writer: %v", err)
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if _, err := enc.Write([]byte(b.String())); err != nil {
		t.Fatalf("write chat log: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close zstd writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close chat log: %v", err)
	}
	return path
}
