// Package buildcache manages the content-addressed local cache used to
// accelerate image builds across runs. The cache directory is handed
// to the builder daemon as both import source and export target; entry
// writes are atomic and strictly additive, so a failed build can leave
// a partial export without corrupting previously cached entries. The
// cache is purged unconditionally at end of run to bound disk usage.
package buildcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/opencontainers/go-digest"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

const (
	blobsDir  = "blobs"
	indexFile = "index.json"
	tmpSuffix = ".tmp"
)

// Store is a content-addressed build cache rooted in one directory.
// Entries are keyed by their sha256 digest; writes go through a
// temporary file and rename, so readers never observe partial content
// under a final entry path.
type Store struct {
	fs     billy.Filesystem
	root   string
	logger *slog.Logger
}

// Options configures store construction.
type Options struct {
	// FS is the backing filesystem; defaults to the OS filesystem.
	FS billy.Filesystem

	// Root is the cache directory; defaults to the XDG cache home
	// under conveyor/buildcache.
	Root string

	// Logger receives purge diagnostics; nil means slog.Default().
	Logger *slog.Logger
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries   int       `json:"entries"`
	TotalSize int64     `json:"total_size_bytes"`
	Finalized time.Time `json:"finalized_at"`
}

// New creates a Store. The cache directory is not created until
// Prepare runs.
func New(opts Options) *Store {
	fs := opts.FS
	if fs == nil {
		fs = osfs.New("/")
	}
	root := opts.Root
	if root == "" {
		root = filepath.Join(xdg.CacheHome, "conveyor", "buildcache")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fs, root: root, logger: logger}
}

// Root returns the cache directory path handed to the builder as both
// cache import source and export target.
func (s *Store) Root() string {
	return s.root
}

// Prepare ensures the cache directory exists, creating it empty if
// absent, and clears any temporary files left by an interrupted
// export. Previously cached entries are kept.
func (s *Store) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Join(s.root, blobsDir), 0o755); err != nil {
		return cerrors.WrapError(err, "preparing build cache directory")
	}

	// Leftover .tmp files are partial writes from a crashed run; they
	// were never visible as entries and are safe to drop.
	entries, err := s.fs.ReadDir(filepath.Join(s.root, blobsDir))
	if err != nil {
		return cerrors.WrapError(err, "scanning build cache")
	}
	for _, entry := range entries {
		if isTempName(entry.Name()) {
			_ = s.fs.Remove(filepath.Join(s.root, blobsDir, entry.Name()))
		}
	}
	return nil
}

// isTempName reports whether a blobs-directory name belongs to an
// uncommitted write. TempFile appends a random suffix after the
// prefix, so the marker sits mid-name rather than at the end.
func isTempName(name string) bool {
	return strings.Contains(name, tmpSuffix)
}

// WriteEntry stores one cache entry and returns its digest. The write
// is atomic: content lands in a temporary file first and is renamed
// into its content-addressed path, and an existing entry with the same
// digest is left untouched.
func (s *Store) WriteEntry(ctx context.Context, content []byte) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dgst := digest.FromBytes(content)
	finalPath := s.entryPath(dgst)

	if _, err := s.fs.Stat(finalPath); err == nil {
		return dgst, nil
	}

	tmp, err := s.fs.TempFile(filepath.Join(s.root, blobsDir), dgst.Encoded()+tmpSuffix)
	if err != nil {
		return "", cerrors.WrapError(err, "creating cache temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return "", cerrors.WrapError(err, "writing cache entry")
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", cerrors.WrapError(err, "closing cache temp file")
	}
	if err := s.fs.Rename(tmpName, finalPath); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", cerrors.WrapError(err, "committing cache entry")
	}
	return dgst, nil
}

// HasEntry reports whether an entry with the given digest exists.
func (s *Store) HasEntry(dgst digest.Digest) bool {
	_, err := s.fs.Stat(s.entryPath(dgst))
	return err == nil
}

// ReadEntry returns the content of a cached entry.
func (s *Store) ReadEntry(dgst digest.Digest) ([]byte, error) {
	f, err := s.fs.Open(s.entryPath(dgst))
	if err != nil {
		return nil, cerrors.WrapErrorf(err, "opening cache entry %s", dgst)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Finalize records the post-build cache state by rewriting the index
// atomically. A build that failed mid-export leaves the previous index
// intact and any complete entries it managed to add remain valid.
func (s *Store) Finalize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stats, err := s.scan()
	if err != nil {
		return cerrors.WrapError(err, "scanning cache for finalize")
	}
	stats.Finalized = time.Now().UTC()

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return cerrors.WrapError(err, "encoding cache index")
	}

	tmp, err := s.fs.TempFile(s.root, indexFile+tmpSuffix)
	if err != nil {
		return cerrors.WrapError(err, "creating index temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return cerrors.WrapError(err, "writing cache index")
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return cerrors.WrapError(err, "closing index temp file")
	}
	if err := s.fs.Rename(tmpName, filepath.Join(s.root, indexFile)); err != nil {
		_ = s.fs.Remove(tmpName)
		return cerrors.WrapError(err, "committing cache index")
	}
	return nil
}

// Stats reads the last finalized index, or scans the directory when no
// index exists yet.
func (s *Store) Stats() (Stats, error) {
	f, err := s.fs.Open(filepath.Join(s.root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s.scan()
		}
		return Stats{}, cerrors.WrapError(err, "opening cache index")
	}
	defer f.Close()

	var stats Stats
	if err := json.NewDecoder(f).Decode(&stats); err != nil {
		return Stats{}, cerrors.WrapError(err, "decoding cache index")
	}
	return stats, nil
}

// Purge deletes the cache directory contents. It runs from the
// pipeline's always hook on every exit path; failures are classified
// absorbed so a purge problem can never fail the run.
func (s *Store) Purge(ctx context.Context) error {
	if err := util.RemoveAll(s.fs, s.root); err != nil {
		s.logger.Warn("build cache purge failed", "root", s.root, "error", err)
		return cerrors.Absorbed(err, fmt.Sprintf("purging build cache %s", s.root))
	}
	return nil
}

func (s *Store) entryPath(dgst digest.Digest) string {
	return filepath.Join(s.root, blobsDir, dgst.Encoded())
}

func (s *Store) scan() (Stats, error) {
	var stats Stats
	entries, err := s.fs.ReadDir(filepath.Join(s.root, blobsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	for _, entry := range entries {
		if entry.IsDir() || isTempName(entry.Name()) {
			continue
		}
		stats.Entries++
		stats.TotalSize += entry.Size()
	}
	return stats, nil
}
