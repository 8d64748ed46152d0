package chat_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/streamwatch/chat"
)

func TestChatFilePath(t *testing.T) {
	tests := []struct {
		dir, file, want string
	}{
		{"/streams", "2021-03-14 20:00:00 stream.mkv", "/streams/2021-03-14 20:00:00 stream.txt.zst"},
		{"/streams", "archive/old.mp4", "/streams/archive/old.txt.zst"},
		{"streams", "noext", "streams/noext.txt.zst"},
	}
	for _, tt := range tests {
		if got := chat.ChatFilePath(tt.dir, tt.file); got != filepath.FromSlash(tt.want) {
			t.Errorf("ChatFilePath(%q, %q) = %q, want %q", tt.dir, tt.file, got, tt.want)
		}
	}
}

func TestHasChat(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.txt.zst")
	if err := os.WriteFile(present, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := chat.HasChat(present); err != nil || !ok {
		t.Errorf("HasChat(present) = %v, %v", ok, err)
	}
	if ok, err := chat.HasChat(filepath.Join(dir, "b.txt.zst")); err != nil || ok {
		t.Errorf("HasChat(missing) = %v, %v", ok, err)
	}
}
