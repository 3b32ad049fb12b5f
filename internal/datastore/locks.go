package datastore

import (
	"slices"
	"sync"
)

// lockTable hands out one mutex per feature id. Entries are refcounted and
// dropped once nobody holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*idLock)}
}

// lock acquires the mutexes for ids in sorted order and returns the release func.
func (t *lockTable) lock(ids []string) func() {
	keys := slices.Clone(ids)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	if len(keys) > 0 && keys[0] == "" {
		keys = keys[1:]
	}

	held := make([]*idLock, 0, len(keys))
	for _, k := range keys {
		t.mu.Lock()
		l, ok := t.locks[k]
		if !ok {
			l = &idLock{}
			t.locks[k] = l
		}
		l.refs++
		t.mu.Unlock()

		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l := held[i]
			l.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, keys[i])
			}
			t.mu.Unlock()
		}
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
