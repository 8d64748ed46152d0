package chat

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// chatFileExt replaces the video extension of a stream file to locate its chat log.
const chatFileExt = ".txt.zst"

// ChatFilePath derives the chat log location for a stream stored as fileName
// under streamsDir: the last extension of fileName is replaced by .txt.zst.
func ChatFilePath(streamsDir, fileName string) string {
	p := filepath.Join(streamsDir, fileName)
	if ext := filepath.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	return p + chatFileExt
}

// HasChat reports whether a chat log exists at path. A missing file is not an error.
func HasChat(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
