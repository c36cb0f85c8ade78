package vibesync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// --- Archive ---

// Archive backends.
const (
	ArchiveBackendMemory = "memory"
	ArchiveBackendFile   = "file"
	ArchiveBackendS3     = "s3"
)

// ArchiveStore is cold storage for sync artifacts: evicted dead letters and
// bulk snapshot payloads. Keys are slash-separated paths.
type ArchiveStore interface {
	// Write stores data under key, replacing any previous value.
	Write(ctx context.Context, key string, data []byte) error
	// Read returns the data stored under key, or ErrKeyNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// List returns keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources held by the archive.
	Close() error
}

// ArchiveConfig configures the archive store.
type ArchiveConfig struct {
	// Backend selects storage: memory, file, or s3 (default memory)
	Backend string `json:"backend" yaml:"backend"`
	// Path is the root directory for the file backend
	Path string `json:"path" yaml:"path"`
	// S3 configures the s3 backend
	S3 *S3ArchiveConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// NewArchive builds the archive selected by the configuration. When an
// encryptor is provided the archive is wrapped so payloads are encrypted
// at rest.
func NewArchive(config ArchiveConfig, encryptor *Encryptor) (ArchiveStore, error) {
	var (
		store ArchiveStore
		err   error
	)
	switch config.Backend {
	case "", ArchiveBackendMemory:
		store = NewMemoryArchive()
	case ArchiveBackendFile:
		store, err = NewFileArchive(config.Path)
	case ArchiveBackendS3:
		if config.S3 == nil {
			return nil, fmt.Errorf("s3 archive backend requires s3 configuration")
		}
		store, err = NewS3Archive(*config.S3)
	default:
		return nil, fmt.Errorf("unknown archive backend: %q", config.Backend)
	}
	if err != nil {
		return nil, err
	}

	if encryptor != nil {
		store = NewEncryptedArchive(store, encryptor)
	}
	return store, nil
}

// --- Memory Archive ---

// MemoryArchive keeps archived payloads in memory. Useful for tests.
type MemoryArchive struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{items: make(map[string][]byte)}
}

func (a *MemoryArchive) Write(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	a.mu.Lock()
	a.items[key] = cp
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Read(ctx context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	data, ok := a.items[key]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (a *MemoryArchive) List(ctx context.Context, prefix string) ([]string, error) {
	a.mu.RLock()
	keys := make([]string, 0, len(a.items))
	for k := range a.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	a.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (a *MemoryArchive) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	delete(a.items, key)
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Close() error { return nil }

// --- File Archive ---

// FileArchive stores each payload as a file under a root directory. Keys
// map to relative paths, so "bulk/tasks/abc" lands in bulk/tasks/abc.
type FileArchive struct {
	root string
}

// NewFileArchive creates a file archive rooted at dir.
func NewFileArchive(dir string) (*FileArchive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newStoreError(StoreOpWrite, dir, err)
	}
	return &FileArchive{root: dir}, nil
}

func (a *FileArchive) keyPath(key string) string {
	return filepath.Join(a.root, filepath.FromSlash(key))
}

func (a *FileArchive) Write(ctx context.Context, key string, data []byte) error {
	path := a.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newStoreError(StoreOpWrite, path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return newStoreError(StoreOpWrite, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return newStoreError(StoreOpWrite, path, err)
	}
	return nil
}

func (a *FileArchive) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(a.keyPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, newStoreError(StoreOpLoad, key, err)
	}
	return data, nil
}

func (a *FileArchive) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, newStoreError(StoreOpLoad, a.root, err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (a *FileArchive) Delete(ctx context.Context, key string) error {
	err := os.Remove(a.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return newStoreError(StoreOpRemove, key, err)
	}
	return nil
}

func (a *FileArchive) Close() error { return nil }

// --- Encrypted Archive ---

// EncryptedArchive wraps another archive so payloads are encrypted at rest.
type EncryptedArchive struct {
	inner     ArchiveStore
	encryptor *Encryptor
}

// NewEncryptedArchive wraps inner with encryption.
func NewEncryptedArchive(inner ArchiveStore, encryptor *Encryptor) *EncryptedArchive {
	return &EncryptedArchive{inner: inner, encryptor: encryptor}
}

func (a *EncryptedArchive) Write(ctx context.Context, key string, data []byte) error {
	sealed, err := a.encryptor.Encrypt(data)
	if err != nil {
		return err
	}
	return a.inner.Write(ctx, key, sealed)
}

func (a *EncryptedArchive) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := a.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return a.encryptor.Decrypt(sealed)
}

func (a *EncryptedArchive) List(ctx context.Context, prefix string) ([]string, error) {
	return a.inner.List(ctx, prefix)
}

func (a *EncryptedArchive) Delete(ctx context.Context, key string) error {
	return a.inner.Delete(ctx, key)
}

func (a *EncryptedArchive) Close() error { return a.inner.Close() }

var (
	_ ArchiveStore = (*MemoryArchive)(nil)
	_ ArchiveStore = (*FileArchive)(nil)
	_ ArchiveStore = (*EncryptedArchive)(nil)
)
