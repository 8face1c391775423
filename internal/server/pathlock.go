package server

import "sync"

// pathLocks serializes publishers racing for the same target path. Locks
// are created lazily on first use and retained for the process lifetime;
// the keyspace is bounded by the dataset's working set, so retention is
// not a leak in practice.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for key with insert-or-get semantics.
func (p *pathLocks) get(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}

	return l
}
