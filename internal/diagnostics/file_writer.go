package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// FileWriter writes each dump atomically to <prefix><rank>, replacing the
// previous one.
type FileWriter struct {
	filename string
	logger   *slog.Logger

	mu sync.Mutex
}

// NewFileWriter creates a file sink for rank.
func NewFileWriter(prefix string, rank int, logger *slog.Logger) *FileWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWriter{
		filename: prefix + strconv.Itoa(rank),
		logger:   logger,
	}
}

// Write implements Writer.
func (w *FileWriter) Write(ctx context.Context, dump []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(w.filename); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating dump dir: %w", err)
		}
	}
	if err := replaceFile(w.filename, dump, 0o644); err != nil {
		return fmt.Errorf("writing debug info to %s: %w", w.filename, err)
	}
	w.logger.Info("finished writing debug info", "target", w.filename, "bytes", len(dump))
	return nil
}

// Target implements Writer.
func (w *FileWriter) Target() string {
	return w.filename
}
