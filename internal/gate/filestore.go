// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package gate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// KeepFile is the placeholder that keeps an empty output directory in
// version control. DeleteAll never removes it.
const KeepFile = ".gitkeep"

var _ Store = (*FileStore)(nil)

// FileStore keeps one file per key, named key+Ext, in Dir.
type FileStore struct {
	Dir string
	Ext string
}

// NewFileStore returns a FileStore for dir with the given extension
// (including the dot).
func NewFileStore(dir, ext string) *FileStore {
	return &FileStore{Dir: dir, Ext: ext}
}

// Path returns the file path of key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.Dir, key+s.Ext)
}

// checkKey rejects keys that would escape Dir or be hidden from List.
func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	info, err := os.Stat(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileStore) Read(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return data, err
}

// Write writes data to a temp file in Dir and renames it over the target.
func (s *FileStore) Write(_ context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", s.Dir, err)
	}

	tmpFile, err := os.CreateTemp(s.Dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing artifact: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Dir, err)
	}
	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if key, ok := strings.CutSuffix(e.Name(), s.Ext); ok && key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteAll removes every key+Ext file and leftover temp files. KeepFile
// and files with other extensions are left in place.
func (s *FileStore) DeleteAll(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.Dir, err)
	}
	var (
		deleted int
		errs    *multierror.Error
	)
	for _, e := range entries {
		name := e.Name()
		if name == KeepFile || !e.Type().IsRegular() {
			continue
		}
		stale := strings.HasPrefix(name, ".artifact-") && strings.HasSuffix(name, ".tmp")
		if !stale && (!strings.HasSuffix(name, s.Ext) || strings.HasPrefix(name, ".")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, name)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !stale {
			deleted++
		}
	}
	return deleted, errs.ErrorOrNil()
}
