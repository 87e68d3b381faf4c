package refstore

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sync"
)

// MemStore is an in-memory [Store], used by tests and by any
// operation that only needs to project a workspace without
// persisting changes.
//
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// ErrNotFound is returned by [Store.Workspace] and [Store.Branch]
// when ref has no entry.
var ErrNotFound = fmt.Errorf("refstore: ref not found")

func (s *MemStore) Iter(context.Context) iter.Seq2[Entry, error] {
	s.mu.RLock()
	snapshot := maps.Clone(s.entries)
	s.mu.RUnlock()

	return func(yield func(Entry, error) bool) {
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemStore) Workspace(ctx context.Context, ref string) (Workspace, error) {
	w, ok, err := s.WorkspaceOpt(ctx, ref)
	if err != nil {
		return Workspace{}, err
	}
	if !ok {
		return Workspace{}, fmt.Errorf("refstore: workspace %q: %w", ref, ErrNotFound)
	}
	return w, nil
}

func (s *MemStore) WorkspaceOpt(_ context.Context, ref string) (Workspace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[ref]
	if !ok {
		return Workspace{}, false, nil
	}
	w, ok := e.Value.(Workspace)
	if !ok {
		return Workspace{}, false, fmt.Errorf("refstore: ref %q holds a Branch, not a Workspace", ref)
	}
	return w, true, nil
}

func (s *MemStore) Branch(ctx context.Context, ref string) (Branch, error) {
	b, ok, err := s.BranchOpt(ctx, ref)
	if err != nil {
		return Branch{}, err
	}
	if !ok {
		return Branch{}, fmt.Errorf("refstore: branch %q: %w", ref, ErrNotFound)
	}
	return b, nil
}

func (s *MemStore) BranchOpt(_ context.Context, ref string) (Branch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[ref]
	if !ok {
		return Branch{}, false, nil
	}
	b, ok := e.Value.(Branch)
	if !ok {
		return Branch{}, false, fmt.Errorf("refstore: ref %q holds a Workspace, not a Branch", ref)
	}
	return b, true, nil
}

func (s *MemStore) SetWorkspace(_ context.Context, ref string, w Workspace) error {
	w.RefInfo.RefName = ref
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = Entry{RefName: ref, Value: w}
	return nil
}

func (s *MemStore) SetBranch(_ context.Context, ref string, b Branch) error {
	b.RefInfo.RefName = ref
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = Entry{RefName: ref, Value: b}
	return nil
}

func (s *MemStore) Remove(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[ref]
	delete(s.entries, ref)
	return ok, nil
}
