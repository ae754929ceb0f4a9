package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory keeps blobs in a map. Used by tests and by runs that never leave
// the process.
type Memory struct {
	mu   sync.RWMutex
	objs map[string]memoryObject
}

type memoryObject struct {
	data []byte
	info Info
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{objs: make(map[string]memoryObject)} }

func (s *Memory) Driver() Driver { return DriverMemory }

func (s *Memory) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("blob %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; ok {
		return Info{}, fmt.Errorf("blob %s: %w", key, ErrExists)
	}
	obj := memoryObject{data: data, info: Info{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
	}}
	s.objs[key] = obj
	return obj.info, nil
}

func (s *Memory) lookup(key string) (memoryObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objs[key]
	if !ok {
		return memoryObject{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	return obj, nil
}

// Get returns a reader over the stored bytes. Blobs are never mutated in
// place, so the slice is shared.
func (s *Memory) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	obj, err := s.lookup(key)
	if err != nil {
		return Info{}, nil, err
	}
	return obj.info, io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Memory) Head(_ context.Context, key string) (Info, error) {
	obj, err := s.lookup(key)
	return obj.info, err
}

func (s *Memory) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	delete(s.objs, key)
	return ok, nil
}

func (s *Memory) List(_ context.Context, prefix string) ([]Info, error) {
	s.mu.RLock()
	var out []Info
	for key, obj := range s.objs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL is unsupported: there is nothing to serve the URL.
func (s *Memory) PresignURL(context.Context, string, SignedURLOptions) (string, error) {
	return "", ErrUnsupported
}
