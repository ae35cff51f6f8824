package browser

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events a browser emits when it
// rewrites its bookmarks file.
const DefaultDebounce = 2 * time.Second

// Watcher emits a notification when the bookmarks file changes on disk. It
// watches the containing directory because browsers replace the file via
// rename, which drops a watch placed on the file itself.
type Watcher struct {
	watcher  *fsnotify.Watcher
	file     string
	debounce time.Duration
	changes  chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Path is the bookmarks file to watch.
	Path string
	// Debounce is the quiet period before a change is reported. Defaults to
	// DefaultDebounce.
	Debounce time.Duration
	Logger   *zap.Logger
}

// NewWatcher constructs the watcher. Start must be called before events are
// emitted.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("browser: watch path is required")
	}
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("browser: create watcher: %w", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:  inner,
		file:     filepath.Clean(cfg.Path),
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins watching the bookmarks file's directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("browser: watcher already running")
	}

	directory := filepath.Dir(w.file)
	if err := w.watcher.Add(directory); err != nil {
		return fmt.Errorf("browser: watch %s: %w", directory, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops the watcher and waits for its event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Changes returns the channel that fires after the bookmarks file settles
// following one or more edits. The channel has capacity one; overlapping
// bursts collapse into a single notification.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("bookmarks file event", zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("bookmarks watcher error", zap.Error(err))
		}
	}
}

// relevant reports whether the event concerns the watched file. Rename and
// create both matter because browsers write a temp file and rename it over
// the original.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.file {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
