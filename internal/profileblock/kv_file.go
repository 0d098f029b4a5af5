package profileblock

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileKV keeps the whole store in one JSON object on disk. Edits made to
// the file by other processes are picked up through fsnotify once the
// first subscriber registers.
type FileKV struct {
	Path string

	mu        sync.Mutex
	lastHash  [sha256.Size]byte
	lastState map[string]json.RawMessage
	feed      changeFeed
	logger    *zap.Logger

	watchOnce sync.Once
	watchErr  error
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

func NewFileKV(path string) *FileKV {
	return &FileKV{
		Path:   strings.TrimSpace(path),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
}

func (f *FileKV) WithLogger(logger *zap.Logger) *FileKV {
	if logger != nil {
		f.logger = logger
	}
	return f
}

func (f *FileKV) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items, _, err := f.load()
	if err != nil {
		return nil, err
	}
	return selectKeys(items, keys), nil
}

func (f *FileKV) Set(_ context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	f.mu.Lock()
	current, sum, err := f.load()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	foreign := f.absorbForeignLocked(current, sum)
	changed := mergeItems(current, items)
	if len(changed) > 0 {
		err = f.save(current)
	}
	f.mu.Unlock()
	if len(foreign) > 0 {
		f.feed.publish(StorageChange{Keys: foreign, Remote: true})
	}
	if err != nil {
		return err
	}
	f.feed.publish(StorageChange{Keys: changed})
	return nil
}

func (f *FileKV) Clear(_ context.Context) error {
	f.mu.Lock()
	current, sum, err := f.load()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	foreign := f.absorbForeignLocked(current, sum)
	err = f.save(map[string]json.RawMessage{})
	f.mu.Unlock()
	if len(foreign) > 0 {
		f.feed.publish(StorageChange{Keys: foreign, Remote: true})
	}
	if err != nil {
		return err
	}
	f.feed.publish(StorageChange{Keys: sortedKeys(current)})
	return nil
}

// absorbForeignLocked records file content written by another process since
// this instance last looked and returns the keys it changed. It must run
// before our own save replaces lastHash.
func (f *FileKV) absorbForeignLocked(current map[string]json.RawMessage, sum [sha256.Size]byte) []string {
	if f.lastState == nil || sum == f.lastHash {
		return nil
	}
	foreign := diffKeys(f.lastState, current)
	f.lastHash = sum
	f.lastState = selectKeys(current, nil)
	return foreign
}

func (f *FileKV) Subscribe(fn func(StorageChange)) func() {
	unsubscribe := f.feed.subscribe(fn)
	f.watchOnce.Do(func() {
		f.watchErr = f.startWatching()
		if f.watchErr != nil {
			f.logger.Warn("file store watch unavailable", zap.String("path", f.Path), zap.Error(f.watchErr))
		}
	})
	return unsubscribe
}

func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *FileKV) load() (map[string]json.RawMessage, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	if f.Path == "" {
		return nil, sum, ErrInvalidInput
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, sum, nil
		}
		return nil, sum, err
	}
	sum = sha256.Sum256(data)
	items := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return items, sum, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, sum, err
	}
	return items, sum, nil
}

func (f *FileKV) save(items map[string]json.RawMessage) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return err
	}
	f.lastHash = sha256.Sum256(data)
	f.lastState = selectKeys(items, nil)
	return nil
}

func (f *FileKV) startWatching() error {
	if f.Path == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	f.mu.Lock()
	f.watcher = watcher
	if f.lastState == nil {
		items, sum, loadErr := f.load()
		if loadErr == nil {
			f.lastState = items
			f.lastHash = sum
		}
	}
	f.mu.Unlock()
	go f.watchLoop(watcher)
	return nil
}

func (f *FileKV) watchLoop(watcher *fsnotify.Watcher) {
	target := filepath.Clean(f.Path)
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			f.reloadExternal()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file store watch error", zap.String("path", f.Path), zap.Error(err))
		}
	}
}

// reloadExternal publishes a remote change when the file content differs
// from what this instance last wrote or observed.
func (f *FileKV) reloadExternal() {
	f.mu.Lock()
	items, sum, err := f.load()
	if err != nil {
		f.mu.Unlock()
		f.logger.Debug("file store reload skipped", zap.String("path", f.Path), zap.Error(err))
		return
	}
	if sum == f.lastHash {
		f.mu.Unlock()
		return
	}
	changed := diffKeys(f.lastState, items)
	f.lastHash = sum
	f.lastState = items
	f.mu.Unlock()
	f.feed.publish(StorageChange{Keys: changed, Remote: true})
}
