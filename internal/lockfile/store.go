package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spf13/afero/mem"
)

// MaxKeyLen bounds session keys so derived file names stay under common
// NAME_MAX limits even after escaping.
const MaxKeyLen = 200

// ValidateKey rejects keys that cannot name a lock record.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > MaxKeyLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLen)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidKey)
	}
	return nil
}

// EscapeKey maps a session key to a single path element. The mapping is
// reversible and never produces a path separator.
func EscapeKey(key string) string { return url.PathEscape(key) }

// FileName builds "<name>-<kind>-<escaped key><ext>".
func FileName(name, kind, key, ext string) string {
	return name + "-" + kind + "-" + EscapeKey(key) + ext
}

// Store is the filesystem repository holding one record file per session.
type Store struct {
	fs   afero.Fs
	dir  string
	name string
}

const (
	recordKind = "pid"
	recordExt  = ".pid"
	reclaimExt = ".reclaim"
)

// NewStore returns a Store keeping records under dir. name prefixes every file.
func NewStore(fsys afero.Fs, dir, name string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, dir: dir, name: name}
}

func (s *Store) Fs() afero.Fs { return s.fs }
func (s *Store) Dir() string  { return s.dir }

// Path is the deterministic record location for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, FileName(s.name, recordKind, key, recordExt))
}

// CreateExclusive creates the record for key, failing with fs.ErrExist when
// one is already present. This is the only synchronisation point between
// concurrent invocations.
func (s *Store) CreateExclusive(key string) (afero.File, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	return s.fs.OpenFile(s.Path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

func (s *Store) Read(key string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.Path(key))
}

func (s *Store) Stat(key string) (os.FileInfo, error) {
	return s.fs.Stat(s.Path(key))
}

// Exists reports whether a record file is present for key.
func (s *Store) Exists(key string) (bool, error) {
	return afero.Exists(s.fs, s.Path(key))
}

// Remove deletes the record. A missing record is not an error.
func (s *Store) Remove(key string) error {
	err := s.fs.Remove(s.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Keys lists the session keys that currently have a record, sorted.
func (s *Store) Keys() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := s.name + "-" + recordKind + "-"
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, recordExt) {
			continue
		}
		k, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(n, prefix), recordExt))
		if err != nil || k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// memReclaim guards record replacement on in-memory filesystems, which are
// only ever shared inside one process.
var memReclaim sync.Mutex

// ReclaimPath is the lock file that serialises record replacement in dir.
func (s *Store) ReclaimPath() string {
	return filepath.Join(s.dir, s.name+reclaimExt)
}

// LockReclaim blocks until the caller may replace or remove records that
// other invocations could be looking at. Creating a record from nothing does
// not need it; exclusive creation already settles that race.
func (s *Store) LockReclaim() (unlock func(), err error) {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		memReclaim.Lock()
		return memReclaim.Unlock, nil
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(s.ReclaimPath())
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	// never removed: waiters must all lock the same inode
	return func() { _ = fl.Unlock() }, nil
}

// SameFile reports whether a and b describe the same underlying file.
func SameFile(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return false
	}
	if ma, ok := a.(*mem.FileInfo); ok {
		mb, ok := b.(*mem.FileInfo)
		return ok && ma.FileData == mb.FileData
	}
	return os.SameFile(a, b)
}
