package statestore

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var fileKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileStore keeps one file per key inside a directory.
// Saves go through a temp file, fsync and rename so a crash never leaves a torn blob.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ Store = &FileStore{}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file state store: empty dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "file state store: create dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) pathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !fileKeyPattern.MatchString(key) {
		return "", errors.Errorf("file state store: invalid key %q", key)
	}
	return filepath.Join(s.dir, key+".state"), nil
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("file state store: nil store")
	}
	path, err := s.pathFor(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "file state store: read %s", key)
	}
	return b, true, nil
}

func (s *FileStore) Save(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("file state store: nil store")
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "file state store: create temp for %s", key)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "file state store: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "file state store: sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "file state store: close %s", key)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "file state store: rename %s", key)
	}
	committed = true
	if err := syncDir(s.dir); err != nil {
		return errors.Wrapf(err, "file state store: sync dir for %s", key)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("file state store: nil store")
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "file state store: delete %s", key)
	}
	if err := syncDir(s.dir); err != nil {
		return errors.Wrapf(err, "file state store: sync dir for %s", key)
	}
	return nil
}

// syncDir flushes directory entries so a rename or unlink survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

func (s *FileStore) Close() error { return nil }
