package proofs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskStore keeps proofs under a local directory. URL returns a path on
// this server that streams the file to staff.
type DiskStore struct {
	root    string
	urlBase string
}

func NewDiskStore(root, urlBase string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create proof dir: %w", err)
	}
	return &DiskStore{root: root, urlBase: strings.TrimRight(urlBase, "/")}, nil
}

func (d *DiskStore) Put(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create proof dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write proof: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close proof: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (d *DiskStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, err := d.path(key); err != nil {
		return "", err
	}
	return d.urlBase + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

// Delete removes the file for key. A missing file is not an error.
func (d *DiskStore) Delete(_ context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove proof: %w", err)
	}
	return nil
}

// Open returns the stored file for key.
func (d *DiskStore) Open(key string) (*os.File, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrFileNotFound
	}
	return f, err
}

func (d *DiskStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid proof key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}
