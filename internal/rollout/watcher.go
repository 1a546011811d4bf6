package rollout

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchDebounce lets an editor finish writing before the file is re-read.
const watchDebounce = 100 * time.Millisecond

// FileWatcher calls a reload function whenever a flag file changes on disk.
type FileWatcher struct {
	path    string
	reload  func(ctx context.Context) error
	watcher *fsnotify.Watcher

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewFileWatcher watches path. The parent directory is watched so that atomic
// replace-by-rename saves are seen.
func NewFileWatcher(path string, reload func(ctx context.Context) error) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &FileWatcher{
		path:    abs,
		reload:  reload,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins processing file events.
func (fw *FileWatcher) Start() {
	if !fw.started.CompareAndSwap(false, true) {
		return
	}
	go fw.run()
	log.Info().Str("path", fw.path).Msg("Watching flag file for changes")
}

// Stop ends the watch and waits for the event loop to exit.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		fw.watcher.Close()
	})
	if fw.started.Load() {
		<-fw.done
	}
}

func (fw *FileWatcher) run() {
	defer close(fw.done)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(watchDebounce)
			}

		case <-pending:
			pending = nil
			log.Info().Str("path", fw.path).Msg("Detected flag file change")
			if err := fw.reload(context.Background()); err != nil {
				log.Warn().Err(err).Str("path", fw.path).Msg("Flag file reload failed")
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Flag file watcher error")

		case <-fw.stopCh:
			return
		}
	}
}
