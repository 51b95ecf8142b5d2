package outbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the spool watcher.
type WatcherConfig struct {
	// SpoolDir is the directory an external transport drops .jsonl files
	// into.
	SpoolDir string

	// DebounceInterval is how long a file must sit quiet before it is
	// applied. Guards against reading files still being written.
	DebounceInterval time.Duration

	Logger *log.Logger
}

// DefaultWatcherConfig returns the standard watcher settings.
func DefaultWatcherConfig(spoolDir string) WatcherConfig {
	return WatcherConfig{
		SpoolDir:         spoolDir,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher applies inbound journal files dropped into the spool directory.
// Applied files are renamed with a .done suffix; files that fail to apply
// keep their name so they can be retried or inspected.
type Watcher struct {
	config  WatcherConfig
	sink    Sink
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queueMu sync.Mutex
	queue   map[string]time.Time
}

// NewWatcher creates a spool watcher feeding the sink.
func NewWatcher(config WatcherConfig, sink Sink) (*Watcher, error) {
	if config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	return &Watcher{
		config: config,
		sink:   sink,
		queue:  make(map[string]time.Time),
	}, nil
}

// Start begins watching the spool directory. Files already present are
// queued immediately.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(w.config.SpoolDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	w.watcher = watcher
	w.ctx, w.cancel = context.WithCancel(ctx)

	matches, err := filepath.Glob(filepath.Join(w.config.SpoolDir, "*.jsonl"))
	if err == nil {
		for _, path := range matches {
			w.queueFile(path)
		}
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.processQueue()

	w.config.Logger.Printf("Watching spool directory %s", w.config.SpoolDir)
	return nil
}

// Stop shuts the watcher down and waits for in-flight processing.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			w.queueFile(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) queueFile(path string) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.queue[path] = time.Now()
}

func (w *Watcher) processQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processSettled()
		}
	}
}

// processSettled applies files that have sat quiet for a full debounce
// interval.
func (w *Watcher) processSettled() {
	now := time.Now()

	w.queueMu.Lock()
	var ready []string
	for path, queuedAt := range w.queue {
		if now.Sub(queuedAt) >= w.config.DebounceInterval {
			ready = append(ready, path)
			delete(w.queue, path)
		}
	}
	w.queueMu.Unlock()

	for _, path := range ready {
		w.applyFile(path)
	}
}

func (w *Watcher) applyFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return // removed before we got to it
	}

	applied, failures := Import(w.ctx, path, w.sink)
	for _, failure := range failures {
		w.config.Logger.Printf("Import failure in %s: %v", filepath.Base(path), failure)
	}
	if len(failures) > 0 {
		w.config.Logger.Printf("Leaving %s in spool: %d of %d entries failed",
			filepath.Base(path), len(failures), applied+len(failures))
		return
	}

	done := path + ".done"
	if err := os.Rename(path, done); err != nil {
		w.config.Logger.Printf("Failed to mark %s done: %v", filepath.Base(path), err)
		return
	}
	w.config.Logger.Printf("Applied %d entries from %s", applied, filepath.Base(path))
}
