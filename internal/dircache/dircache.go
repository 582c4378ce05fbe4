// Package dircache keeps best-effort knowledge of remote directory contents.
//
// Entries are hints: they let operations skip redundant round trips but are
// always overridden by what the server actually replies.
package dircache

import (
	"sort"
	"sync"
	"time"
)

// Entry describes one child of a remote directory.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

type directory struct {
	entries map[string]Entry
	// complete is set when the entries came from a full listing.
	complete bool
	updated  time.Time
}

// Cache is safe for concurrent use by several connections.
type Cache struct {
	mu      sync.RWMutex
	servers map[string]map[string]*directory
	now     func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		servers: make(map[string]map[string]*directory),
		now:     time.Now,
	}
}

func (c *Cache) dir(server, parent string, create bool) *directory {
	dirs := c.servers[server]
	if dirs == nil {
		if !create {
			return nil
		}
		dirs = make(map[string]*directory)
		c.servers[server] = dirs
	}
	d := dirs[parent]
	if d == nil && create {
		d = &directory{entries: make(map[string]Entry)}
		dirs[parent] = d
	}
	return d
}

// Lookup returns the cached entry for name inside parent.
func (c *Cache) Lookup(server, parent, name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.dir(server, parent, false)
	if d == nil {
		return Entry{}, false
	}
	e, ok := d.entries[name]
	return e, ok
}

// UpdateFile records a single child, e.g. after MKD or an upload.
func (c *Cache) UpdateFile(server, parent string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dir(server, parent, true)
	d.entries[e.Name] = e
	d.updated = c.now()
}

// RemoveFile forgets a child.
func (c *Cache) RemoveFile(server, parent, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.dir(server, parent, false); d != nil {
		delete(d.entries, name)
	}
}

// StoreListing replaces the contents of parent with a complete listing.
func (c *Cache) StoreListing(server, parent string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dir(server, parent, true)
	d.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		d.entries[e.Name] = e
	}
	d.complete = true
	d.updated = c.now()
}

// Listing returns the children of parent sorted by name. The bool reports
// whether they came from a complete listing.
func (c *Cache) Listing(server, parent string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.dir(server, parent, false)
	if d == nil {
		return nil, false
	}
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, d.complete
}

// Invalidate drops everything known about parent.
func (c *Cache) Invalidate(server, parent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dirs := c.servers[server]; dirs != nil {
		delete(dirs, parent)
	}
}
