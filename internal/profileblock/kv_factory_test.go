package profileblock

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildKVStoreFromDSNEmpty(t *testing.T) {
	kv, err := BuildKVStoreFromDSN("  ")
	if err != nil || kv != nil {
		t.Fatalf("expected nil store for empty dsn, got %v, %v", kv, err)
	}
}

func TestBuildKVStoreFromDSNMemory(t *testing.T) {
	kv, err := BuildKVStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := kv.(*MemoryKV); !ok {
		t.Fatalf("expected *MemoryKV, got %T", kv)
	}
}

func TestBuildKVStoreFromDSNFile(t *testing.T) {
	ctx := context.Background()
	for _, dsn := range []string{
		"file://" + filepath.Join(t.TempDir(), "kv.json"),
		filepath.Join(t.TempDir(), "bare.json"),
	} {
		kv, err := BuildKVStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("build file store %q failed: %v", dsn, err)
		}
		if err := kv.Set(ctx, map[string]json.RawMessage{"k": json.RawMessage(`true`)}); err != nil {
			t.Fatalf("file store set failed: %v", err)
		}
		got, err := kv.Get(ctx, "k")
		if err != nil {
			t.Fatalf("file store get failed: %v", err)
		}
		if string(got["k"]) != "true" {
			t.Fatalf("expected k=true, got %v", got)
		}
	}
}

func TestBuildKVStoreFromDSNNetworkBackends(t *testing.T) {
	kv, err := BuildKVStoreFromDSN("postgres://localhost/profileblock?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if _, ok := kv.(*PostgresKV); !ok {
		t.Fatalf("expected *PostgresKV, got %T", kv)
	}
	kv, err = BuildKVStoreFromDSN("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("expected redis store to be available, got %v", err)
	}
	if _, ok := kv.(*RedisKV); !ok {
		t.Fatalf("expected *RedisKV, got %T", kv)
	}
	_ = kv.(*RedisKV).Close()
}

func TestBuildKVStoreFromDSNUnsupported(t *testing.T) {
	if _, err := BuildKVStoreFromDSN("mysql://localhost/profileblock"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildKVStoreFromDSN("gopher://localhost"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisterKVStoreFactory(t *testing.T) {
	scheme := "kvtestcustom"
	want := NewMemoryKV()
	RegisterKVStoreFactory(" KVTestCustom ", func(dsn string) (KVStore, error) {
		return want, nil
	})
	kv, err := BuildKVStoreFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build store via registered factory failed: %v", err)
	}
	if kv != want {
		t.Fatalf("expected registered factory result, got %T", kv)
	}
}
