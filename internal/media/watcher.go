package media

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the device media directory and re-requests the upload
// pipeline when new files land. Captures sometimes finish writing after the
// submission that references them is saved; the watcher picks those up
// without waiting for the next poll.
type Watcher struct {
	watcher *fsnotify.Watcher
	request func()
	logger  *log.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher that calls request whenever a file is created
// or written under the watched directory.
func NewWatcher(request func(), logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	return &Watcher{
		watcher: fsw,
		request: request,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching mediaDir. Non-recursive; captures land flat in the
// media directory.
func (w *Watcher) Start(mediaDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(mediaDir); err != nil {
		return fmt.Errorf("failed to watch media directory %s: %w", mediaDir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.request()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("media watcher error: %v", err)
		}
	}
}
