package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// PinnedSet persists the set of pinned conversation identifiers as a
// small JSON array file.
type PinnedSet struct {
	path string

	mu  sync.Mutex
	ids map[string]struct{}
}

// OpenPinnedSet loads the pinned set from path, starting empty if the
// file does not exist yet.
func OpenPinnedSet(path string) (*PinnedSet, error) {
	ps := &PinnedSet{path: path, ids: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pinned set: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse pinned set: %w", err)
	}
	for _, id := range ids {
		ps.ids[id] = struct{}{}
	}
	return ps, nil
}

// Pin marks a conversation pinned and persists the set.
func (ps *PinnedSet) Pin(convID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ids[convID] = struct{}{}
	return ps.saveLocked()
}

// Unpin removes a conversation from the set and persists it.
func (ps *PinnedSet) Unpin(convID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.ids, convID)
	return ps.saveLocked()
}

// IsPinned reports whether a conversation is pinned.
func (ps *PinnedSet) IsPinned(convID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.ids[convID]
	return ok
}

// List returns the pinned conversation ids, sorted.
func (ps *PinnedSet) List() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]string, 0, len(ps.ids))
	for id := range ps.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (ps *PinnedSet) saveLocked() error {
	ids := make([]string, 0, len(ps.ids))
	for id := range ps.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	dir := filepath.Dir(ps.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(ps.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write pinned set: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write pinned set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write pinned set: %w", err)
	}
	return os.Rename(tmpName, ps.path)
}
