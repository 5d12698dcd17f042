// Package prefs keeps small per-user conveniences such as the last phone
// number a customer typed. Nothing here is authoritative.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Store interface {
	RememberPhone(phone string) error
	// LastPhone returns "" when nothing was remembered yet.
	LastPhone() (string, error)
}

type values struct {
	LastPhone string `json:"last_phone"`
}

// FileStore persists values as a small JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) RememberPhone(phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, err := f.read()
	if err != nil {
		return err
	}
	v.LastPhone = phone
	return f.write(v)
}

func (f *FileStore) LastPhone() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, err := f.read()
	if err != nil {
		return "", err
	}
	return v.LastPhone, nil
}

func (f *FileStore) read() (values, error) {
	var v values
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("failed to read prefs: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return values{}, fmt.Errorf("failed to decode prefs: %w", err)
	}
	return v, nil
}

// write replaces the file atomically.
func (f *FileStore) write(v values) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".prefs-*")
	if err != nil {
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

type MemoryStore struct {
	mu        sync.Mutex
	lastPhone string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) RememberPhone(phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPhone = phone
	return nil
}

func (m *MemoryStore) LastPhone() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPhone, nil
}
