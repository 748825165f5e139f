package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgellow/authkit/internal/crypto"
)

// File is a durable Adapter backed by a single JSON file, for CLI and
// desktop consumers that need tokens to survive process restarts. Writes go
// through a temp file and rename so a crash never leaves a half-written
// store behind.
//
// When constructed with an Encryptor, values are encrypted before they touch
// disk; keys stay in the clear so the file remains inspectable.
type File struct {
	mu        sync.Mutex
	path      string
	encryptor crypto.Encryptor
}

var _ Adapter = (*File)(nil)

// FileOption configures a File adapter.
type FileOption func(*File)

// WithEncryptor encrypts values at rest with the given encryptor.
func WithEncryptor(e crypto.Encryptor) FileOption {
	return func(f *File) {
		f.encryptor = e
	}
}

// NewFile creates a file-backed adapter at path. The file is created lazily
// on first Set.
func NewFile(path string, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file storage path is required")
	}
	f := &File{path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Get implements Adapter.
func (f *File) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	if f.encryptor != nil {
		plain, err := f.encryptor.Decrypt(value)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt stored value: %w", err)
		}
		return plain, nil
	}
	return value, nil
}

// Set implements Adapter.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if f.encryptor != nil {
		sealed, err := f.encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt value: %w", err)
		}
		value = sealed
	}
	values[key] = value
	return f.save(values)
}

// Remove implements Adapter.
func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(values)
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}
	values := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("failed to parse storage file: %w", err)
		}
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage file: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp storage file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write storage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close storage file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set storage file permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}
