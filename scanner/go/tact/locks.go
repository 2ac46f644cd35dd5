package tact

import "sync"

// pathLocks hands out one mutex per cache path so writers to the same file
// serialize. A lock is dropped from the map once its last holder releases,
// keeping the map proportional to in-flight paths rather than to the cache.
type pathLocks struct {
	mtx   sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	refs int
	mtx  sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: map[string]*pathLock{}}
}

// lock blocks until the caller holds the mutex for key.
func (p *pathLocks) lock(key string) *pathLock {
	p.mtx.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pathLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mtx.Unlock()

	l.mtx.Lock()
	return l
}

// unlock releases the mutex and disposes it if no other holder remains.
func (p *pathLocks) unlock(key string, l *pathLock) {
	l.mtx.Unlock()

	p.mtx.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
	p.mtx.Unlock()
}

// size returns the number of live locks, for tests.
func (p *pathLocks) size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.locks)
}
