package pricing

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher reloads a price file when it changes on disk.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	table    *Table
	path     string
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewFileWatcher watches path and reloads table on write events.
func NewFileWatcher(table *Table, path string, logger zerolog.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		table:    table,
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go fw.run()

	return fw, nil
}

// Stop stops the watcher.
func (fw *FileWatcher) Stop() error {
	close(fw.stopCh)
	return fw.watcher.Close()
}

func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fw.scheduleReload()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn().Err(err).Msg("Price file watcher error")
		case <-fw.stopCh:
			return
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (fw *FileWatcher) scheduleReload() {
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		if err := fw.table.LoadFile(fw.path); err != nil {
			fw.logger.Error().Err(err).Str("path", fw.path).Msg("Failed to reload price file")
			return
		}
		fw.logger.Info().Str("path", fw.path).Msg("Price file reloaded")
	})
}
