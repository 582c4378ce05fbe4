package ftpengine

import (
	"sync"
)

// LockReason names what a path lock protects. Locks only conflict with
// locks of the same reason on the same path of the same server.
type LockReason int

const (
	// LockMkdir serializes directory creation on a path.
	LockMkdir LockReason = iota
	// LockList serializes listings of a directory.
	LockList
)

func (r LockReason) String() string {
	switch r {
	case LockMkdir:
		return "mkdir"
	case LockList:
		return "list"
	}
	return "unknown"
}

type lockKey struct {
	server string
	reason LockReason
	path   string
}

// LockManager hands out path locks in FIFO order. A single manager is
// normally shared by every connection of a process.
type LockManager struct {
	mu     sync.Mutex
	queues map[lockKey][]*PathLock
}

// NewLockManager returns an empty manager.
func NewLockManager() *LockManager {
	return &LockManager{queues: make(map[lockKey][]*PathLock)}
}

var defaultLocks = NewLockManager()

// PathLock is one reservation. It is held once every earlier reservation
// of the same key was released.
type PathLock struct {
	m    *LockManager
	key  lockKey
	wake func()

	held     bool
	released bool
}

// Acquire queues a reservation. If it is not held immediately, wake is
// called once, from the releasing goroutine, when it becomes held.
func (m *LockManager) Acquire(server string, reason LockReason, path string, wake func()) *PathLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := &PathLock{m: m, key: lockKey{server, reason, path}, wake: wake}
	q := m.queues[l.key]
	l.held = len(q) == 0
	m.queues[l.key] = append(q, l)
	return l
}

// Held reports whether the lock is held.
func (l *PathLock) Held() bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.held
}

// Release gives up the reservation, held or not. The next waiter, if any,
// becomes the holder and is woken. Releasing twice is a no-op.
func (l *PathLock) Release() {
	m := l.m
	m.mu.Lock()
	if l.released {
		m.mu.Unlock()
		return
	}
	l.released = true

	q := m.queues[l.key]
	for i, other := range q {
		if other == l {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}

	var next *PathLock
	if len(q) == 0 {
		delete(m.queues, l.key)
	} else {
		m.queues[l.key] = q
		if l.held && !q[0].held {
			next = q[0]
			next.held = true
		}
	}
	l.held = false
	m.mu.Unlock()

	if next != nil && next.wake != nil {
		next.wake()
	}
}

// waiting returns the number of reservations queued for a key, held or not.
func (m *LockManager) waiting(server string, reason LockReason, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[lockKey{server, reason, path}])
}
