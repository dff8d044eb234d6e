package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Memory is an in-memory Backend, grounded on mmp/bk's storage/memory.go.
// Every package's test suite constructs one of these rather than
// touching a real filesystem or cloud service.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	created map[string]time.Time
}

// NewMemory returns an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		created: make(map[string]time.Time),
	}
}

func (m *Memory) Kind() string { return "memory" }

func dupe(b []byte) []byte {
	d := make([]byte, len(b))
	copy(d, b)
	return d
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = dupe(data)
	m.created[key] = time.Now()
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return errors.AlreadyExistsf("key %q", key)
	}
	m.objects[key] = dupe(data)
	m.created[key] = time.Now()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.NotFoundf("key %q", key)
	}
	return dupe(b), nil
}

func (m *Memory) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.NotFoundf("key %q", key)
	}
	if offset < 0 || length < 0 || offset+length > int64(len(b)) {
		return nil, errors.NotValidf("range [%d,%d) of %q (len %d)", offset, offset+length, key, len(b))
	}
	return dupe(b[offset : offset+length]), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, b := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(b)), Modified: m.created[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.created, key)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Corrupt inverts every bit of the byte at byteOffset within key's stored bytes,
// for tests exercising pack integrity and AEAD tamper detection.
func (m *Memory) Corrupt(key string, byteOffset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok || byteOffset < 0 || byteOffset >= len(b) {
		return
	}
	b[byteOffset] ^= 0xff
}
