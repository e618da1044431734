package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// TriggerSuffix is appended to the dump file name to form the trigger
// file, so writing the dump never re-fires the trigger.
const TriggerSuffix = ".pipe"

// DumpTrigger calls a function whenever <prefix><rank>.pipe is created or
// written. Requests that arrive while a dump is running are coalesced
// into one follow-up dump.
type DumpTrigger struct {
	path      string
	onTrigger func(context.Context)
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	pending chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewDumpTrigger creates a trigger for rank.
func NewDumpTrigger(prefix string, rank int, onTrigger func(context.Context), logger *slog.Logger) *DumpTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DumpTrigger{
		path:      filepath.Clean(prefix + strconv.Itoa(rank) + TriggerSuffix),
		onTrigger: onTrigger,
		logger:    logger,
		pending:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Path returns the watched trigger file.
func (t *DumpTrigger) Path() string {
	return t.path
}

// Start begins watching. The trigger stops when ctx is done or Stop is
// called.
func (t *DumpTrigger) Start(ctx context.Context) error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating trigger dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory so the file can be created after Start.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	t.watcher = watcher
	t.logger.Info("watching dump trigger file", "path", t.path)

	t.wg.Add(2)
	go t.watchLoop(ctx)
	go t.dumpLoop(ctx)
	return nil
}

// Stop halts the trigger and waits for a running dump to finish.
func (t *DumpTrigger) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		close(t.stopCh)
		if t.watcher != nil {
			_ = t.watcher.Close()
		}
	}
	t.wg.Wait()
}

func (t *DumpTrigger) watchLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			select {
			case t.pending <- struct{}{}:
			default:
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("dump trigger watcher error", "error", err)
		}
	}
}

func (t *DumpTrigger) dumpLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-t.pending:
			t.logger.Info("dump requested through trigger file", "path", t.path)
			t.onTrigger(ctx)
		}
	}
}
