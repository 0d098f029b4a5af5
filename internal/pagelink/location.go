package pagelink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PageSnapshot is the page state a browser bridge writes for the agent.
type PageSnapshot struct {
	URL string                 `json:"url"`
	DOM profileblock.StaticDOM `json:"dom"`
}

// FileLocation reads the current page from a JSON snapshot file. Every
// CurrentURL call re-reads the file; DOM returns the document read with it.
type FileLocation struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	snap PageSnapshot
}

var _ profileblock.Location = (*FileLocation)(nil)

func NewFileLocation(path string, logger *zap.Logger) *FileLocation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLocation{path: filepath.Clean(path), logger: logger}
}

func (l *FileLocation) CurrentURL() string {
	snap, err := l.Reload()
	if err != nil {
		l.logger.Debug("page snapshot unreadable, keeping last", zap.String("path", l.path), zap.Error(err))
	}
	return snap.URL
}

func (l *FileLocation) DOM() profileblock.DOM {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.DOM
}

// Reload reads the snapshot file. A missing file is an empty page. On a
// read or decode error the previous snapshot is kept and returned.
func (l *FileLocation) Reload() (PageSnapshot, error) {
	data, err := os.ReadFile(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return l.snapshot(), err
	}
	var snap PageSnapshot
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return l.snapshot(), err
		}
	}
	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
	return snap, nil
}

func (l *FileLocation) snapshot() PageSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Watch calls onChange with the new URL whenever the snapshot file is
// rewritten with a different URL. It blocks until ctx is done.
func (l *FileLocation) Watch(ctx context.Context, onChange func(url string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return err
	}

	last := l.snapshot().URL
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("page snapshot watch error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != l.path || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
			snap, err := l.Reload()
			if err != nil {
				l.logger.Debug("page snapshot changed but unreadable", zap.Error(err))
				continue
			}
			if snap.URL != "" && snap.URL != last {
				last = snap.URL
				onChange(snap.URL)
			}
		}
	}
}
