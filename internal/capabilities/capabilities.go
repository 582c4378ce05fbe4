// Package capabilities remembers per-server protocol behaviour observed on
// earlier connections, such as whether TLS session resumption works.
package capabilities

import "sync"

// Tri is a tri-state capability value.
type Tri byte

const (
	Unknown Tri = iota
	Yes
	No
)

func (t Tri) String() string {
	switch t {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unknown"
}

// Capability names a server behaviour.
type Capability string

const (
	// TLSResumption records whether data connections resume the control TLS session.
	TLSResumption Capability = "tls_resumption"
	// Resume4GB records whether REST works for offsets beyond 4 GiB.
	Resume4GB Capability = "resume_4gb"
	// EPSV records whether the server accepts EPSV.
	EPSV Capability = "epsv"
	// EPRT records whether the server accepts EPRT.
	EPRT Capability = "eprt"
	// MLSD records whether the server supports machine-readable listings.
	MLSD Capability = "mlsd"
)

// Store is the capability cache used by the engine.
type Store interface {
	Get(server string, c Capability) Tri
	Set(server string, c Capability, v Tri)
}

type key struct {
	server string
	cap    Capability
}

// Memory is an in-process Store. The zero value is not usable; call NewMemory.
type Memory struct {
	mu     sync.RWMutex
	values map[key]Tri
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[key]Tri)}
}

// Get implements Store.
func (m *Memory) Get(server string, c Capability) Tri {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key{server, c}]
}

// Set implements Store.
func (m *Memory) Set(server string, c Capability, v Tri) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == Unknown {
		delete(m.values, key{server, c})
		return
	}
	m.values[key{server, c}] = v
}
