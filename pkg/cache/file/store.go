// Package file provides a filesystem cache store.
//
// Layout:
//
//	{root}/
//	  {key[0:2]}/
//	    {key}/
//	      entry.json
//	      out-0.bin
//	      out-1.bin
//
// An entry is written into a temporary directory next to its final location
// and renamed into place, so readers never observe a partial entry.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/lazypipe/pkg/cache"
)

const (
	storeName = "file"
	metaFile  = "entry.json"
	dirPerm   = 0o755
	filePerm  = 0o644
)

// Store implements cache.Store on a local directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a filesystem store rooted at root, creating the directory
// if needed.
func NewStore(logger *slog.Logger, root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("file store root cannot be empty")
	}

	err := os.MkdirAll(root, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", root, err)
	}

	return &Store{
		root:   root,
		logger: logger.With("module", "file_cache"),
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) Exists(_ context.Context, key cache.Key) (bool, error) {
	_, err := os.Stat(filepath.Join(s.entryPath(key), metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, cache.NewStoreError(storeName, "Exists", key, err)
	}

	return true, nil
}

func (s *Store) Get(_ context.Context, key cache.Key) (*cache.Entry, error) {
	dir := s.entryPath(key)

	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.NewStoreError(storeName, "Get", key, cache.ErrEntryNotFound)
		}

		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	var meta cache.Meta

	err = json.Unmarshal(data, &meta)
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: %w", cache.ErrCorruptEntry, err))
	}

	if meta.Key != key {
		return nil, cache.NewStoreError(storeName, "Get", key,
			fmt.Errorf("%w: header names key %s", cache.ErrCorruptEntry, meta.Key.Short()))
	}

	outputs := make([][]byte, meta.Outputs)

	for i := range outputs {
		outputs[i], err = os.ReadFile(filepath.Join(dir, outputFile(i)))
		if err != nil {
			return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: output %d: %w", cache.ErrCorruptEntry, i, err))
		}
	}

	entry, err := meta.Entry(outputs)
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	err := entry.Validate()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", "", err)
	}

	entryDir := s.entryPath(entry.Key)
	parentDir := filepath.Dir(entryDir)

	err = os.MkdirAll(parentDir, dirPerm)
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-"+entry.Key.Short()+"-")
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	for i, out := range entry.Outputs {
		err = writeFileAtomic(filepath.Join(tmpDir, outputFile(i)), out)
		if err != nil {
			return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("writing output %d: %w", i, err))
		}
	}

	data, err := json.MarshalIndent(entry.Meta(), "", "  ")
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	// Outputs land before the header so a visible header implies complete outputs.
	err = writeFileAtomic(filepath.Join(tmpDir, metaFile), data)
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("writing header: %w", err))
	}

	err = os.Rename(tmpDir, entryDir)
	if err != nil {
		exists, _ := s.Exists(ctx, entry.Key)
		if exists {
			s.logger.DebugContext(ctx, "Cache entry already committed", "key", entry.Key.Short())

			return nil
		}

		return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("committing entry: %w", err))
	}

	committed = true

	return nil
}

func (s *Store) Close(context.Context) error { return nil }

// HealthCheck verifies the root directory is writable.
func (s *Store) HealthCheck(context.Context) error {
	probe, err := os.CreateTemp(s.root, ".health-*")
	if err != nil {
		return cache.NewStoreError(storeName, "HealthCheck", "", err)
	}

	name := probe.Name()
	_ = probe.Close()

	return os.Remove(name)
}

func (s *Store) entryPath(key cache.Key) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(s.root, k)
	}

	return filepath.Join(s.root, k[:2], k)
}

func outputFile(i int) string {
	return fmt.Sprintf("out-%d.bin", i)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_, err = tmp.Write(data)
	if err != nil {
		return err
	}

	err = tmp.Chmod(filePerm)
	if err != nil {
		return err
	}

	_ = tmp.Sync()

	err = tmp.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
