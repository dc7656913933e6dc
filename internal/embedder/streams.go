package embedder

import (
	"os"
	"strings"
	"time"
)

// StreamListen turns on capture for the Stdout and Stderr service streams.
// Any other stream is rejected.
func (e *Embedder) StreamListen(streamID string) bool {
	return e.io.SetCapture(streamID, true)
}

// StreamCancel turns capture off. Unknown streams are ignored.
func (e *Embedder) StreamCancel(streamID string) {
	e.io.SetCapture(streamID, false)
}

// FileModified reports whether the file behind url changed after sinceMs.
// Anything that is not a readable file: URL counts as modified.
func FileModified(url string, sinceMs int64) bool {
	path, ok := strings.CutPrefix(url, "file:")
	if !ok {
		return true
	}
	if rest, ok := strings.CutPrefix(path, "//"); ok {
		path = rest
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.ModTime().After(time.UnixMilli(sinceMs))
}
