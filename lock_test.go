package ftpengine

import (
	"slices"
	"testing"
)

func TestLockManager_FIFO(t *testing.T) {
	t.Parallel()
	m := NewLockManager()
	var woken []string

	a := m.Acquire("srv", LockMkdir, "/a", func() { woken = append(woken, "a") })
	b := m.Acquire("srv", LockMkdir, "/a", func() { woken = append(woken, "b") })
	c := m.Acquire("srv", LockMkdir, "/a", func() { woken = append(woken, "c") })

	if !a.Held() || b.Held() || c.Held() {
		t.Fatalf("Held = %v %v %v, want only the first holder", a.Held(), b.Held(), c.Held())
	}
	if n := m.waiting("srv", LockMkdir, "/a"); n != 3 {
		t.Errorf("Queue length = %d, want 3", n)
	}

	a.Release()
	if !b.Held() || c.Held() {
		t.Errorf("After first release: b held %v, c held %v; want b only", b.Held(), c.Held())
	}
	if !slices.Equal(woken, []string{"b"}) {
		t.Errorf("Woken = %v, want [b]", woken)
	}

	b.Release()
	if !c.Held() {
		t.Error("Expected c to hold the lock")
	}
	if !slices.Equal(woken, []string{"b", "c"}) {
		t.Errorf("Woken = %v, want [b c]", woken)
	}

	c.Release()
	if n := m.waiting("srv", LockMkdir, "/a"); n != 0 {
		t.Errorf("Queue length after last release = %d, want 0", n)
	}
}

func TestLockManager_ReleaseWaiter(t *testing.T) {
	t.Parallel()
	m := NewLockManager()
	woken := 0

	a := m.Acquire("srv", LockList, "/x", nil)
	b := m.Acquire("srv", LockList, "/x", func() { woken++ })
	c := m.Acquire("srv", LockList, "/x", func() { woken++ })

	// A waiter giving up wakes nobody.
	b.Release()
	if woken != 0 {
		t.Errorf("Woken %d waiters, want 0", woken)
	}
	if !a.Held() {
		t.Error("Holder lost the lock when a waiter left")
	}

	a.Release()
	if !c.Held() || woken != 1 {
		t.Errorf("c held %v, woken %d; want c woken once", c.Held(), woken)
	}

	// Releasing twice is a no-op.
	a.Release()
	if !c.Held() || woken != 1 {
		t.Errorf("Double release disturbed the queue: c held %v, woken %d", c.Held(), woken)
	}
}

func TestLockManager_IndependentKeys(t *testing.T) {
	t.Parallel()
	m := NewLockManager()

	tests := []struct {
		name   string
		server string
		reason LockReason
		path   string
	}{
		{"other path", "srv", LockMkdir, "/a/b"},
		{"other reason", "srv", LockList, "/a"},
		{"other server", "srv2", LockMkdir, "/a"},
	}

	held := m.Acquire("srv", LockMkdir, "/a", nil)
	defer held.Release()
	for _, tt := range tests {
		l := m.Acquire(tt.server, tt.reason, tt.path, nil)
		if !l.Held() {
			t.Errorf("%s: lock not granted immediately", tt.name)
		}
		l.Release()
	}
}

func TestLockReasonString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reason LockReason
		want   string
	}{
		{LockMkdir, "mkdir"},
		{LockList, "list"},
		{LockReason(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("LockReason(%d).String() = %q, want %q", int(tt.reason), got, tt.want)
		}
	}
}
