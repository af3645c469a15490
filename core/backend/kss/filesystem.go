package kss

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfiguration configures the local filesystem driver
type LocalConfiguration struct {
	// KeyPrefix is the base directory all keys are stored below
	KeyPrefix string
}

// LocalFilesystem stores payloads as files below a base directory. Keys map
// to relative file paths.
type LocalFilesystem struct {
	basedir string
}

var _ Driver = &LocalFilesystem{}

// NewLocalFilesystem creates the driver and its base directory.
func NewLocalFilesystem(basedir string) (*LocalFilesystem, error) {
	basedir = filepath.Clean(basedir)
	if err := os.MkdirAll(basedir, 0755); err != nil {
		return nil, err
	}
	return &LocalFilesystem{basedir: basedir}, nil
}

// path maps a key to a file path below the base directory. Path traversal
// in keys is neutralized.
func (l *LocalFilesystem) path(key string) string {
	key = strings.ReplaceAll(key, "..", "")
	return filepath.Join(l.basedir, filepath.FromSlash(key))
}

// Store writes the payload under the key
func (l *LocalFilesystem) Store(ctx context.Context, key string, data io.Reader) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(file, data); err != nil {
		return err
	}
	return file.Sync()
}

// Load copies the payload stored under the key to the writer
func (l *LocalFilesystem) Load(ctx context.Context, key string, w io.Writer) error {
	file, err := os.Open(l.path(key))
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

// Delete removes the payload stored under the key
func (l *LocalFilesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteAllWithPrefix removes all payloads whose key starts with prefix
func (l *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	return filepath.Walk(l.basedir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.basedir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.ToSlash(rel), prefix) {
			return os.Remove(path)
		}
		return nil
	})
}
