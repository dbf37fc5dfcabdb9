// Package cache implements the content-addressed cache described in
// spec §4.3: a directory per file hash under cache_root, holding a
// versioned ingest_result.json, a versioned analysis_result.json, and a
// thumbnails/ subtree. Every write is temp-file-then-rename; every read
// that finds a stale version deletes the file and reports a miss,
// mirroring the original Rust cache.rs this package is ported from.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"lukechampine.com/blake3"

	"github.com/camden-git/photopipeline/internal/logging"
)

const (
	thumbnailsDirName     = "thumbnails"
	ingestResultFilename  = "ingest_result.json"
	analysisResultFilename = "analysis_result.json"

	// IngestCacheVersion is bumped whenever the shape of a cached ingest
	// result changes incompatibly.
	IngestCacheVersion = 1
	// AnalysisCacheVersion is bumped whenever the shape of a cached
	// analysis result changes incompatibly.
	AnalysisCacheVersion = 1
)

// Cache owns the on-disk layout rooted at root. It holds no state beyond
// the root path; all methods are safe to call concurrently for distinct
// hashes, per the serialization guarantee ingest provides (path->hash is
// 1:1 at ingest time, and ingest is the only writer per path).
type Cache struct {
	root string
}

// New returns a Cache rooted at root. root is created lazily per-hash,
// not up front.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) hashDir(hash string) string {
	return filepath.Join(c.root, hash)
}

func (c *Cache) ensureHashDir(hash string) (string, error) {
	dir := c.hashDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: creating hash dir %s: %w", dir, err)
	}
	return dir, nil
}

// HashFile computes the file's content hash: a lowercase hex-encoded
// blake3 digest of a memory-mapped read of the whole file, matching the
// original hash_file's update_mmap_rayon behavior.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cache: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("cache: statting %s: %w", path, err)
	}
	if info.Size() == 0 {
		h := blake3.New(32, nil)
		return fmt.Sprintf("%x", h.Sum(nil)), nil
	}

	mapped, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		return "", fmt.Errorf("cache: mmap %s: %w", path, err)
	}
	defer mapped.Unmap()

	h := blake3.New(32, nil)
	if _, err := h.Write(mapped); err != nil {
		return "", fmt.Errorf("cache: hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// envelope is the on-disk shape of both ingest_result.json and
// analysis_result.json: a version tag plus the raw payload, decoded lazily
// so this package doesn't need to know the payload's concrete type.
type envelope struct {
	Version int             `json:"version"`
	Ingest  json.RawMessage `json:"ingest_result,omitempty"`
	Visual  json.RawMessage `json:"visual_analyses,omitempty"`
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshalling %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: renaming temp file into %s: %w", path, err)
	}
	return nil
}

// ReadIngest reports whether a valid, current-version ingest cache entry
// exists for hash, decoding it into out. A stale-version or corrupt file
// is deleted and treated as a miss, per spec §4.3.
func ReadIngest[T any](c *Cache, hash string, out *T) (bool, error) {
	path := filepath.Join(c.hashDir(hash), ingestResultFilename)
	return readEnvelope(path, IngestCacheVersion, func(env envelope) (json.RawMessage, bool) {
		return env.Ingest, len(env.Ingest) > 0
	}, out)
}

// WriteIngest atomically writes result as the current ingest cache entry
// for hash.
func WriteIngest[T any](c *Cache, hash string, result T) error {
	dir, err := c.ensureHashDir(hash)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache: marshalling ingest result for %s: %w", hash, err)
	}
	return atomicWriteJSON(filepath.Join(dir, ingestResultFilename), envelope{
		Version: IngestCacheVersion,
		Ingest:  raw,
	})
}

// ReadAnalysis reports whether a valid, current-version analysis cache
// entry exists for hash, decoding it into out.
func ReadAnalysis[T any](c *Cache, hash string, out *T) (bool, error) {
	path := filepath.Join(c.hashDir(hash), analysisResultFilename)
	return readEnvelope(path, AnalysisCacheVersion, func(env envelope) (json.RawMessage, bool) {
		return env.Visual, len(env.Visual) > 0
	}, out)
}

// WriteAnalysis atomically writes analyses as the current analysis cache
// entry for hash.
func WriteAnalysis[T any](c *Cache, hash string, analyses T) error {
	dir, err := c.ensureHashDir(hash)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(analyses)
	if err != nil {
		return fmt.Errorf("cache: marshalling analysis result for %s: %w", hash, err)
	}
	return atomicWriteJSON(filepath.Join(dir, analysisResultFilename), envelope{
		Version: AnalysisCacheVersion,
		Visual:  raw,
	})
}

func readEnvelope[T any](path string, wantVersion int, pick func(envelope) (json.RawMessage, bool), out *T) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("cache: reading %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.L.Warn().Str("path", path).Err(err).Msg("cache: invalid json, deleting")
		_ = os.Remove(path)
		return false, nil
	}
	if env.Version != wantVersion {
		logging.L.Warn().Str("path", path).Int("found_version", env.Version).Int("want_version", wantVersion).
			Msg("cache: stale cache version, deleting")
		_ = os.Remove(path)
		return false, nil
	}
	payload, ok := pick(env)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		logging.L.Warn().Str("path", path).Err(err).Msg("cache: malformed payload, deleting")
		_ = os.Remove(path)
		return false, nil
	}
	return true, nil
}

// ThumbnailsDir returns the cache's thumbnails directory for hash and
// whether it exists. The thumbnail engine treats a missing directory the
// same as an empty one: every output is re-derived.
func (c *Cache) ThumbnailsDir(hash string) (string, bool) {
	dir := filepath.Join(c.hashDir(hash), thumbnailsDirName)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return dir, false
	}
	return dir, true
}

// WriteThumbnails copies every entry under sourceDir into the cache's
// thumbnails directory for hash. Partial copies are acceptable: the
// thumbnail engine re-derives whatever didn't make it in.
func (c *Cache) WriteThumbnails(hash, sourceDir string) error {
	dir, err := c.ensureHashDir(hash)
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, thumbnailsDirName)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("cache: creating thumbnails dir %s: %w", dest, err)
	}
	return copyDirContents(sourceDir, dest)
}

func copyDirContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("cache: reading source dir %s: %w", src, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return err
			}
			if err := copyDirContents(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cache: opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: copying into %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: renaming %s into %s: %w", tmp, dst, err)
	}
	return nil
}
