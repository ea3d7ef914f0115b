// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package transform

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DataDog/native-sampler/internal/stacktrace"
)

// DefaultFrameCacheSize is the number of resolved frames kept by a
// RuntimeFrameStore.
const DefaultFrameCacheSize = 16384

type cachedFrame struct {
	frame Frame
	ok    bool
}

// RuntimeFrameStore resolves instruction pointers of the Go program with the
// runtime symbol table. Results, including failures, are cached.
type RuntimeFrameStore struct {
	cache *lru.Cache[uintptr, cachedFrame]
}

var _ FrameStore = (*RuntimeFrameStore)(nil)

// NewRuntimeFrameStore returns a store caching up to size frames.
func NewRuntimeFrameStore(size int) (*RuntimeFrameStore, error) {
	if size <= 0 {
		size = DefaultFrameCacheSize
	}
	cache, err := lru.New[uintptr, cachedFrame](size)
	if err != nil {
		return nil, err
	}
	return &RuntimeFrameStore{cache: cache}, nil
}

// Resolve implements FrameStore.
func (s *RuntimeFrameStore) Resolve(ip uintptr) (Frame, bool) {
	if c, ok := s.cache.Get(ip); ok {
		return c.frame, c.ok
	}
	sf, ok := stacktrace.Symbolize(ip)
	f := Frame{
		Module: sf.Module(),
		Text:   sf.Text(),
		File:   sf.File,
		Line:   sf.Line,
	}
	s.cache.Add(ip, cachedFrame{frame: f, ok: ok})
	return f, ok
}

// Len returns the number of cached frames.
func (s *RuntimeFrameStore) Len() int {
	return s.cache.Len()
}

type appDomain struct {
	pid  int
	name string
}

// MemoryAppDomainStore is an AppDomainStore filled by the application.
type MemoryAppDomainStore struct {
	mu      sync.RWMutex
	domains map[uint64]appDomain
}

var _ AppDomainStore = (*MemoryAppDomainStore)(nil)

// NewMemoryAppDomainStore returns an empty store.
func NewMemoryAppDomainStore() *MemoryAppDomainStore {
	return &MemoryAppDomainStore{domains: make(map[uint64]appDomain)}
}

// Set records the process id and name of domain id.
func (s *MemoryAppDomainStore) Set(id uint64, pid int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[id] = appDomain{pid: pid, name: name}
}

// Remove forgets domain id.
func (s *MemoryAppDomainStore) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains, id)
}

// GetInfo implements AppDomainStore.
func (s *MemoryAppDomainStore) GetInfo(id uint64) (int, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[id]
	return d.pid, d.name, ok
}

// UUIDRuntimeIDStore assigns a random runtime id to every application
// domain the first time it is seen.
type UUIDRuntimeIDStore struct {
	mu  sync.Mutex
	ids map[uint64]string
}

var _ RuntimeIDStore = (*UUIDRuntimeIDStore)(nil)

// NewUUIDRuntimeIDStore returns an empty store.
func NewUUIDRuntimeIDStore() *UUIDRuntimeIDStore {
	return &UUIDRuntimeIDStore{ids: make(map[uint64]string)}
}

// GetID implements RuntimeIDStore.
func (s *UUIDRuntimeIDStore) GetID(appDomainID uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[appDomainID]; ok {
		return id
	}
	id := uuid.NewString()
	s.ids[appDomainID] = id
	return id
}
