// Package mirror keeps off-host copies of checkpoint archives.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"ckpt-go/internal/ckpt"
)

// MemoryMirror keeps archives in memory. Safe for concurrent use.
type MemoryMirror struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ ckpt.ArchiveMirror = (*MemoryMirror)(nil)

func NewMemoryMirror(name string) *MemoryMirror {
	return &MemoryMirror{name: name, objects: map[string][]byte{}}
}

func (m *MemoryMirror) Name() string { return m.name }

func (m *MemoryMirror) Put(_ context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryMirror) Get(_ context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, ckpt.ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *MemoryMirror) Has(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryMirror) ValidateSetup(context.Context) error { return nil }

// Keys returns the stored keys in order.
func (m *MemoryMirror) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
