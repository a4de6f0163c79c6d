package backingstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// fallbackEntry is one newline-delimited JSON line written when a batch
// fails for a non-quota reason.
type fallbackEntry struct {
	ID        string    `json:"id"`
	Worksheet string    `json:"worksheet"`
	Row       LogRow    `json:"row"`
	FailedAt  time.Time `json:"failedAt"`
}

// FallbackWriter appends entries that could not be written to the backing
// store to a local newline-delimited JSON file, guarded by its own mutex so
// concurrent queue flushers never interleave partial lines.
type FallbackWriter struct {
	mu   sync.Mutex
	path string
}

// NewFallbackWriter ensures path's parent directory exists and returns a
// writer appending to it.
func NewFallbackWriter(path string) (*FallbackWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "fallback: create directory")
		}
	}
	return &FallbackWriter{path: path}, nil
}

// WriteRows appends each row in rows as one JSON line, tagged with the
// worksheet it failed to reach and the time of failure.
func (w *FallbackWriter) WriteRows(worksheet string, rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "fallback: open file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	now := time.Now().UTC()
	for _, row := range rows {
		entry := fallbackEntry{ID: uuid.NewString(), Worksheet: worksheet, Row: row, FailedAt: now}
		if err := enc.Encode(entry); err != nil {
			return eris.Wrap(err, "fallback: encode entry")
		}
	}
	return nil
}
