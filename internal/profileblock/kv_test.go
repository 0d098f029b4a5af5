package profileblock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryKVGetSetClear(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	var changes []StorageChange
	unsubscribe := kv.Subscribe(func(c StorageChange) { changes = append(changes, c) })
	defer unsubscribe()

	if err := kv.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Writing identical values is not a change.
	if err := kv.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := kv.Get(ctx, "a", "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got["a"]) != "1" {
		t.Fatalf("unexpected get result: %v", got)
	}
	got["a"][0] = '9'
	again, _ := kv.Get(ctx, "a")
	if string(again["a"]) != "1" {
		t.Fatalf("expected Get to return a copy, store now holds %s", again["a"])
	}

	if err := kv.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ := kv.Get(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty store after clear, got %v", all)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 change events, got %+v", changes)
	}
	if changes[0].Keys[0] != "a" || changes[0].Keys[1] != "b" || changes[0].Area != StorageAreaSync {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
}

func TestFileKVPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	first := NewFileKV(path)
	if err := first.Set(ctx, map[string]json.RawMessage{KeySettings: json.RawMessage(`{"redirectDelay":5}`)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	second := NewFileKV(path)
	got, err := second.Get(ctx, KeySettings)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got[KeySettings]) != `{"redirectDelay":5}` {
		t.Fatalf("unexpected persisted value: %s", got[KeySettings])
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}

	if err := second.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, err := first.Get(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store after clear, got %v", all)
	}
}

func TestFileKVMissingFileIsEmpty(t *testing.T) {
	kv := NewFileKV(filepath.Join(t.TempDir(), "absent.json"))
	got, err := kv.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no keys, got %v", got)
	}
}

func TestFileKVCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewBlockStore(NewFileKV(path))
	if _, err := store.IsBlocked(context.Background(), "alice"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestFileKVReportsExternalEditsAsRemote(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	kv := NewFileKV(path)
	t.Cleanup(func() { _ = kv.Close() })

	if err := kv.Set(ctx, map[string]json.RawMessage{KeyBlockedUsers: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		mu      sync.Mutex
		remotes []StorageChange
		locals  int
	)
	kv.Subscribe(func(c StorageChange) {
		mu.Lock()
		defer mu.Unlock()
		if c.Remote {
			remotes = append(remotes, c)
		} else {
			locals++
		}
	})

	if err := kv.Set(ctx, map[string]json.RawMessage{KeySettings: json.RawMessage(`{"redirectDelay":4}`)}); err != nil {
		t.Fatalf("local set: %v", err)
	}

	other := NewFileKV(path)
	if err := other.Set(ctx, map[string]json.RawMessage{KeyBlockedUsers: json.RawMessage(`{"bob":{"addedDate":1}}`)}); err != nil {
		t.Fatalf("external set: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(remotes)
		var last StorageChange
		if n > 0 {
			last = remotes[n-1]
		}
		mu.Unlock()
		if n > 0 && last.Touches(KeyBlockedUsers) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a remote change touching %s, got %+v", KeyBlockedUsers, remotes)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if locals != 1 {
		t.Fatalf("expected exactly one local change, got %d", locals)
	}
	for _, c := range remotes {
		if c.Touches(KeySettings) && !c.Touches(KeyBlockedUsers) {
			t.Fatalf("own write reported as remote: %+v", c)
		}
	}
}

func TestFileKVSetReportsForeignWriteBeforeOwn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	kv := NewFileKV(path)

	var changes []StorageChange
	unsubscribe := kv.feed.subscribe(func(c StorageChange) { changes = append(changes, c) })
	defer unsubscribe()

	if err := kv.Set(ctx, map[string]json.RawMessage{KeySettings: json.RawMessage(`{"redirectDelay":3}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	other := NewFileKV(path)
	if err := other.Set(ctx, map[string]json.RawMessage{KeyBlockedUsers: json.RawMessage(`{"bob":{"addedDate":1}}`)}); err != nil {
		t.Fatalf("external set: %v", err)
	}
	// Our write lands before any file event for the external one is handled.
	if err := kv.Set(ctx, map[string]json.RawMessage{KeySettings: json.RawMessage(`{"redirectDelay":4}`)}); err != nil {
		t.Fatalf("local set: %v", err)
	}

	if len(changes) != 3 {
		t.Fatalf("expected local, remote, local changes, got %+v", changes)
	}
	remote := changes[1]
	if !remote.Remote || !remote.Touches(KeyBlockedUsers) || remote.Touches(KeySettings) {
		t.Fatalf("expected a remote change for %s only, got %+v", KeyBlockedUsers, remote)
	}
	if changes[2].Remote || !changes[2].Touches(KeySettings) {
		t.Fatalf("expected a local settings change last, got %+v", changes[2])
	}

	// The external write is not reported twice when its file event arrives.
	kv.reloadExternal()
	if len(changes) != 3 {
		t.Fatalf("expected no duplicate remote change, got %+v", changes)
	}
	all, err := kv.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := all[KeyBlockedUsers]; !ok {
		t.Fatalf("expected external key to survive our write, got %v", all)
	}
}
