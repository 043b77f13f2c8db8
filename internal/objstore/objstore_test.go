package objstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talemon/talemon/internal/objstore"
)

func TestURLHash(t *testing.T) {
	// sha1("https://example.com/a"), precomputed.
	got := objstore.URLHash("https://example.com/a")
	if len(got) != 40 {
		t.Fatalf("URLHash length = %d, want 40", len(got))
	}
	if got != objstore.URLHash("https://example.com/a") {
		t.Fatal("URLHash not deterministic")
	}
	if got == objstore.URLHash("https://example.com/b") {
		t.Fatal("URLHash collided for distinct URLs")
	}
}

func TestTimestampSegment(t *testing.T) {
	at := time.Date(2026, 3, 7, 14, 5, 9, 0, time.UTC)
	if got := objstore.TimestampSegment(at); got != "260307.140509" {
		t.Errorf("TimestampSegment = %q, want 260307.140509", got)
	}
	// Non-UTC instants are normalized to UTC.
	loc := time.FixedZone("X", 3*3600)
	if got := objstore.TimestampSegment(at.In(loc)); got != "260307.140509" {
		t.Errorf("TimestampSegment in zone = %q, want 260307.140509", got)
	}
}

func TestBasePath(t *testing.T) {
	at := time.Date(2026, 3, 7, 14, 5, 9, 0, time.UTC)
	hash := objstore.URLHash("https://example.com/a")
	got := objstore.BasePath("data", hash, at)
	want := "data/" + hash + "/260307.140509/"
	if got != want {
		t.Errorf("BasePath = %q, want %q", got, want)
	}
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocal(t.TempDir())

	key := "data/abc/260307.140509/" + objstore.DOMFile
	if err := store.Save(ctx, key, []byte("<html/>")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}

	data, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "<html/>" {
		t.Errorf("Read = %q", data)
	}

	ok, err = store.Exists(ctx, "data/abc/260307.140509/"+objstore.ScreenshotFile)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists reported a blob that was never saved")
	}
}

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocal(t.TempDir())

	base := "data/abc/260307.140509/"
	for _, name := range []string{objstore.DOMFile, objstore.SourceFile, objstore.MHTMLFile, objstore.ScreenshotFile} {
		if err := store.Save(ctx, base+name, []byte(name)); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
	}
	if err := store.Save(ctx, "data/zzz/260308.000000/"+objstore.DOMFile, []byte("other")); err != nil {
		t.Fatalf("Save other: %v", err)
	}

	keys, err := store.List(ctx, base)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 4 {
		t.Fatalf("List under %s = %v, want 4 keys", base, keys)
	}

	all, err := store.List(ctx, "data/")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("List all = %d keys, want 5", len(all))
	}
}

func TestLocalListMissingRoot(t *testing.T) {
	store := objstore.NewLocal(filepath.Join(t.TempDir(), "never-created"))
	keys, err := store.List(context.Background(), "data/")
	if err != nil {
		t.Fatalf("List on missing root: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List on missing root = %v", keys)
	}
}

func TestLocalSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := objstore.NewLocal(dir)

	key := "data/abc/260307.140509/" + objstore.SourceFile
	if err := store.Save(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	data, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("Read after overwrite = %q", data)
	}

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "data", "abc", "260307.140509"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("capture dir has %d entries, want 1", len(entries))
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := objstore.New(objstore.Config{Backend: "local", RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New local: %v", err)
	}
	if _, ok := s.(*objstore.Local); !ok {
		t.Errorf("New local returned %T", s)
	}

	s, err = objstore.New(objstore.Config{Backend: "gcs", Bucket: "talemon-data"})
	if err != nil {
		t.Fatalf("New gcs: %v", err)
	}
	if _, ok := s.(*objstore.GCS); !ok {
		t.Errorf("New gcs returned %T", s)
	}

	if _, err := objstore.New(objstore.Config{Backend: "gcs"}); err == nil {
		t.Error("New gcs without bucket: want error")
	}
	if _, err := objstore.New(objstore.Config{Backend: "tape"}); err == nil {
		t.Error("New with unknown backend: want error")
	}
}
