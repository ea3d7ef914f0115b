// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package threads

import (
	"sort"
	"sync"
	"sync/atomic"
)

type index struct {
	byOSID map[int32]*Info
	byID   map[uint32]*Info
	sorted []*Info // by profiler id
}

// List is a set of threads indexed by OS id and by profiler id. Writers copy
// the index; readers never block.
type List struct {
	mu  sync.Mutex // serializes writers
	idx atomic.Pointer[index]
}

// NewList returns an empty list.
func NewList() *List {
	l := &List{}
	l.idx.Store(&index{byOSID: map[int32]*Info{}, byID: map[uint32]*Info{}})
	return l
}

// Add inserts t, replacing any thread with the same OS id. It returns the
// replaced thread, if any.
func (l *List) Add(t *Info) (replaced *Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.idx.Load()
	next := old.clone()
	if prev, ok := next.byOSID[t.osID]; ok {
		delete(next.byID, prev.id)
		replaced = prev
	}
	next.byOSID[t.osID] = t
	next.byID[t.id] = t
	next.sort()
	l.idx.Store(next)
	return replaced
}

// Remove deletes the thread with OS id osID and returns it.
func (l *List) Remove(osID int32) (*Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.idx.Load()
	t, ok := old.byOSID[osID]
	if !ok {
		return nil, false
	}
	next := old.clone()
	delete(next.byOSID, osID)
	delete(next.byID, t.id)
	next.sort()
	l.idx.Store(next)
	return t, true
}

// Get returns the thread with OS id osID.
func (l *List) Get(osID int32) (*Info, bool) {
	t, ok := l.idx.Load().byOSID[osID]
	return t, ok
}

// GetByID returns the thread with profiler id id.
func (l *List) GetByID(id uint32) (*Info, bool) {
	t, ok := l.idx.Load().byID[id]
	return t, ok
}

// Len returns the number of threads.
func (l *List) Len() int {
	return len(l.idx.Load().byOSID)
}

// ForEach calls fn for every thread, in profiler id order, until fn returns
// false. The threads are those present when ForEach was called. It does not
// allocate.
func (l *List) ForEach(fn func(*Info) bool) {
	for _, t := range l.idx.Load().sorted {
		if !fn(t) {
			return
		}
	}
}

func (idx *index) clone() *index {
	next := &index{
		byOSID: make(map[int32]*Info, len(idx.byOSID)+1),
		byID:   make(map[uint32]*Info, len(idx.byID)+1),
	}
	for k, v := range idx.byOSID {
		next.byOSID[k] = v
	}
	for k, v := range idx.byID {
		next.byID[k] = v
	}
	return next
}

// sort rebuilds the sorted view of a fresh index.
func (idx *index) sort() {
	idx.sorted = make([]*Info, 0, len(idx.byID))
	for _, t := range idx.byID {
		idx.sorted = append(idx.sorted, t)
	}
	sort.Slice(idx.sorted, func(i, j int) bool { return idx.sorted[i].id < idx.sorted[j].id })
}
