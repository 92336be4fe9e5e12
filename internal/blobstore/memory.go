package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
	Now     func() time.Time
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: normalizePrefix(prefix), objects: make(map[string]Object), Now: time.Now}
}

func (m *Memory) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[joinPrefix(m.prefix, k)] = Object{
		Key:          k,
		Data:         append([]byte(nil), payload...),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: m.Now().UTC(),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Object, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = cloneMetadata(obj.Metadata)
	return obj, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, obj := range m.objects {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, joinPrefix(m.prefix, k))
	return nil
}

var _ Store = (*Memory)(nil)
