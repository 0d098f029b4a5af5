package profileblock

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// StorageAreaSync is the only storage area the block list lives in.
const StorageAreaSync = "sync"

// KVStore is the platform storage collaborator. Get with no keys returns
// every stored key. Set merges the given keys into the store.
type KVStore interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]json.RawMessage) error
	Clear(ctx context.Context) error
	Subscribe(fn func(StorageChange)) (unsubscribe func())
}

// StorageChange is delivered to subscribers after keys change. Remote is
// set when the write did not originate from this KVStore instance.
type StorageChange struct {
	Area   string   `json:"area"`
	Keys   []string `json:"keys"`
	Remote bool     `json:"remote"`
}

func (c StorageChange) Touches(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

type changeFeed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(StorageChange)
}

func (f *changeFeed) subscribe(fn func(StorageChange)) func() {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[int]func(StorageChange){}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *changeFeed) publish(change StorageChange) {
	if len(change.Keys) == 0 {
		return
	}
	if change.Area == "" {
		change.Area = StorageAreaSync
	}
	f.mu.RLock()
	fns := make([]func(StorageChange), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (f *changeFeed) subscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

type MemoryKV struct {
	mu    sync.Mutex
	items map[string]json.RawMessage
	feed  changeFeed
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]json.RawMessage{}}
}

func (m *MemoryKV) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectKeys(m.items, keys), nil
}

func (m *MemoryKV) Set(_ context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	changed := mergeItems(m.items, items)
	m.mu.Unlock()
	m.feed.publish(StorageChange{Keys: changed})
	return nil
}

func (m *MemoryKV) Clear(_ context.Context) error {
	m.mu.Lock()
	keys := sortedKeys(m.items)
	m.items = map[string]json.RawMessage{}
	m.mu.Unlock()
	m.feed.publish(StorageChange{Keys: keys})
	return nil
}

func (m *MemoryKV) Subscribe(fn func(StorageChange)) func() {
	return m.feed.subscribe(fn)
}

func selectKeys(items map[string]json.RawMessage, keys []string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(keys) == 0 {
		for k, v := range items {
			out[k] = cloneRaw(v)
		}
		return out
	}
	for _, k := range keys {
		if v, ok := items[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out
}

// mergeItems writes items into dst and returns the keys whose value changed.
func mergeItems(dst, items map[string]json.RawMessage) []string {
	changed := make([]string, 0, len(items))
	for k, v := range items {
		if prev, ok := dst[k]; ok && bytes.Equal(prev, v) {
			continue
		}
		dst[k] = cloneRaw(v)
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

func diffKeys(before, after map[string]json.RawMessage) []string {
	changed := []string{}
	for k, v := range after {
		if prev, ok := before[k]; !ok || !bytes.Equal(prev, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func sortedKeys(items map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
