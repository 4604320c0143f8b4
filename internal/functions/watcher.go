package functions

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounceDuration = 100 * time.Millisecond

// Watcher reloads a registry when files under its directory change.
type Watcher struct {
	registry         *Registry
	dir              string
	watcher          *fsnotify.Watcher
	debounceDuration time.Duration
	timer            *time.Timer
	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	reloaded         chan error
}

// NewWatcher creates a watcher for the registry's functions directory.
func NewWatcher(registry *Registry) (*Watcher, error) {
	dir := registry.Loader().opts.Dir
	if dir == "" {
		return nil, fmt.Errorf("no functions directory to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		registry:         registry,
		dir:              dir,
		watcher:          fw,
		debounceDuration: defaultDebounceDuration,
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// SetDebounceDuration sets how long the watcher waits for changes to settle.
func (w *Watcher) SetDebounceDuration(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDuration = d
}

// Reloaded returns a channel receiving the result of every reload the
// watcher triggers. Sends are dropped when nobody is listening.
func (w *Watcher) Reloaded() <-chan error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloaded == nil {
		w.reloaded = make(chan error, 1)
	}
	return w.reloaded
}

// Start watches every directory below the functions directory.
func (w *Watcher) Start() error {
	if err := w.addTree(w.dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.eventLoop()
	log.Info().Str("path", w.dir).Msg("Watching functions for changes")
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.dir && w.skip(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("adding watch for %s: %w", p, err)
		}
		return nil
	})
}

// skip reports whether a path is hidden, private or ignored.
func (w *Watcher) skip(p string) bool {
	rel, err := filepath.Rel(w.dir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	name := filepath.Base(p)
	if strings.HasPrefix(name, ".") {
		return true
	}
	return w.registry.Loader().Ignored(rel)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || w.skip(event.Name) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
		}
	}

	log.Debug().
		Str("file", event.Name).
		Str("op", event.Op.String()).
		Msg("Function source changed")
	w.debounceReload()
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDuration, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	err := w.registry.Reload()
	if err != nil {
		logReloadError(err)
	} else {
		log.Info().Int("count", len(w.registry.Table().Functions())).Msg("Functions reloaded")
	}

	w.mu.Lock()
	ch := w.reloaded
	w.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}
