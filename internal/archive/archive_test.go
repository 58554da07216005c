package archive

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
)

func TestMemoryStorePutGetList(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if store.Driver() != DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	if _, _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatalf("expected get miss error")
	}
	info, err := store.Put(ctx, "sweeps/a.json", bytes.NewBufferString(`{"ok":true}`), "application/json")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "sweeps/a.json" || info.Size != int64(len(`{"ok":true}`)) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "sweeps/a.json", bytes.NewBufferString("x"), ""); err == nil {
		t.Fatalf("expected duplicate put to fail")
	}
	got, r, err := store.Get(ctx, "sweeps/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
	if got.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", got.ContentType)
	}

	if _, err := store.Put(ctx, "sweeps/b.json", bytes.NewBufferString("{}"), "application/json"); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if _, err := store.Put(ctx, "other/c.json", bytes.NewBufferString("{}"), "application/json"); err != nil {
		t.Fatalf("put c: %v", err)
	}
	infos, err := store.List(ctx, "sweeps/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "sweeps/a.json" || infos[1].Key != "sweeps/b.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}

func TestFilesystemStorePutGetList(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystem(filepath.Join(t.TempDir(), "reports"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	if _, err := store.Put(ctx, "sweeps/2026/a.json", bytes.NewBufferString("report"), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "sweeps/2026/a.json", bytes.NewBufferString("again"), ""); err == nil {
		t.Fatalf("expected duplicate put to fail")
	}
	info, r, err := store.Get(ctx, "sweeps/2026/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "report" || info.Size != int64(len("report")) {
		t.Fatalf("unexpected content %q size %d", body, info.Size)
	}
	infos, err := store.List(ctx, "sweeps/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "sweeps/2026/a.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}

func TestFilesystemStoreRejectsTraversal(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b"} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), ""); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Options{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	if _, err := Open(ctx, Options{Driver: Driver("bogus")}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	fsStore, err := Open(ctx, Options{Driver: DriverFilesystem, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("unexpected driver %s", fsStore.Driver())
	}
}
