package registry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce     = 500 * time.Millisecond
	watchPollInterval = 5 * time.Second
)

// fileWatcher watches the registry file for edits made outside the process
// (a hand-edited data file, a synced copy) so the server can drop cached
// fragments that may no longer match. Uses fsnotify plus a polling fallback
// for platforms that lose inode watches after atomic replacements.
type fileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	onChange func()
	mu       sync.Mutex
	selfEdit time.Time
}

// StartWatching begins watching the registry file and invokes onChange
// (debounced) whenever it is modified externally.
func (r *FileRegistry) StartWatching(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	fw := &fileWatcher{
		path:     r.path,
		watcher:  w,
		stop:     make(chan struct{}),
		onChange: onChange,
	}

	// Watch the directory rather than the file itself: the registry is
	// replaced by rename on every save, which kills a file-level watch.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}

	r.watcher = fw
	go fw.loop()
	log.Printf("[registry] watching %s for external changes", r.path)
	return nil
}

// StopWatching stops the file watcher.
func (r *FileRegistry) StopWatching() {
	if r.watcher != nil {
		close(r.watcher.stop)
		r.watcher.watcher.Close()
		r.watcher = nil
	}
}

// markSelfEdit records that the process itself is about to write the file so
// the watcher can ignore the resulting event instead of invalidating caches
// the mutation path already invalidated surgically.
func (r *FileRegistry) markSelfEdit() {
	if r.watcher != nil {
		r.watcher.mu.Lock()
		r.watcher.selfEdit = time.Now()
		r.watcher.mu.Unlock()
	}
}

func (fw *fileWatcher) recentSelfEdit() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return time.Since(fw.selfEdit) < 2*time.Second
}

func (fw *fileWatcher) loop() {
	var debounce *time.Timer

	pollTicker := time.NewTicker(watchPollInterval)
	defer pollTicker.Stop()
	var lastModTime time.Time
	if info, err := os.Stat(fw.path); err == nil {
		lastModTime = info.ModTime()
	}

	trigger := func() {
		if fw.recentSelfEdit() {
			return
		}
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, func() {
			log.Printf("[registry] external change detected, notifying")
			fw.onChange()
		})
	}

	for {
		select {
		case <-fw.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(fw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if info, err := os.Stat(fw.path); err == nil {
					lastModTime = info.ModTime()
				}
				trigger()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[registry] watcher error: %v", err)
		case <-pollTicker.C:
			info, err := os.Stat(fw.path)
			if err != nil {
				continue
			}
			if info.ModTime() != lastModTime {
				lastModTime = info.ModTime()
				trigger()
			}
		}
	}
}
