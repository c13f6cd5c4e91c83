package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Filesystem stores blobs under a root directory.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "./data/blobs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) Driver() Driver { return DriverFilesystem }

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Put writes data through a temp file and rename so readers never see a
// partial object.
func (f *Filesystem) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	p := f.path(key)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return eris.Wrapf(err, "blob: temp file for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "blob: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "blob: close %s", key)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), p), "blob: rename %s", key)
}

func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "blob: %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", key)
	}
	return data, nil
}

func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "blob: stat %s", key)
	}
	return true, nil
}
