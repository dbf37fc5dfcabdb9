package cache

import (
	"os"
	"path/filepath"
	"testing"
)

type testIngestResult struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func TestHashFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (2nd): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 32-byte hex digest (64 chars), got %d: %s", len(h1), h1)
	}
}

func TestHashFileEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jpg")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile on empty file: %v", err)
	}
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
}

func TestIngestCacheRoundTrip(t *testing.T) {
	c := New(t.TempDir())
	hash := "deadbeef"

	var miss testIngestResult
	found, err := ReadIngest(c, hash, &miss)
	if err != nil {
		t.Fatalf("ReadIngest miss: %v", err)
	}
	if found {
		t.Fatalf("expected miss on empty cache")
	}

	want := testIngestResult{Width: 1920, Height: 1080}
	if err := WriteIngest(c, hash, want); err != nil {
		t.Fatalf("WriteIngest: %v", err)
	}

	var got testIngestResult
	found, err = ReadIngest(c, hash, &got)
	if err != nil {
		t.Fatalf("ReadIngest hit: %v", err)
	}
	if !found {
		t.Fatalf("expected hit after write")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestIngestCacheStaleVersionIsMiss(t *testing.T) {
	c := New(t.TempDir())
	hash := "stale"
	dir, err := c.ensureHashDir(hash)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, ingestResultFilename)
	if err := os.WriteFile(path, []byte(`{"version":999,"ingest_result":{"width":1}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var out testIngestResult
	found, err := ReadIngest(c, hash, &out)
	if err != nil {
		t.Fatalf("ReadIngest: %v", err)
	}
	if found {
		t.Fatalf("expected stale-version cache to be treated as a miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale cache file to be deleted, stat err = %v", err)
	}
}

func TestThumbnailsRoundTrip(t *testing.T) {
	c := New(t.TempDir())
	hash := "thumbhash"

	if _, ok := c.ThumbnailsDir(hash); ok {
		t.Fatalf("expected no thumbnails dir before any write")
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "200.avif"), []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "500.avif"), []byte("fake2"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.WriteThumbnails(hash, src); err != nil {
		t.Fatalf("WriteThumbnails: %v", err)
	}

	dir, ok := c.ThumbnailsDir(hash)
	if !ok {
		t.Fatalf("expected thumbnails dir to exist after write")
	}
	if _, err := os.Stat(filepath.Join(dir, "200.avif")); err != nil {
		t.Fatalf("expected copied file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested", "500.avif")); err != nil {
		t.Fatalf("expected copied nested file: %v", err)
	}
}
