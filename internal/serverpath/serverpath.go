// Package serverpath models absolute remote paths on Unix-style FTP servers.
//
// A Path is immutable. The zero value is the empty path, which is distinct
// from the root directory "/".
package serverpath

import (
	"path"
	"strings"
)

// Path is an absolute remote path split into segments.
type Path struct {
	segments []string
	valid    bool
}

// Root returns the root directory "/".
func Root() Path {
	return Path{valid: true}
}

// Parse parses an absolute path. Relative or empty input yields the empty path.
func Parse(s string) Path {
	if !strings.HasPrefix(s, "/") {
		return Path{}
	}
	cleaned := path.Clean(s)
	p := Path{valid: true}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg != "" {
			p.segments = append(p.segments, seg)
		}
	}
	return p
}

// Resolve interprets s relative to base. Absolute input ignores base.
// A relative s against an empty base yields the empty path.
func Resolve(base Path, s string) Path {
	if strings.HasPrefix(s, "/") {
		return Parse(s)
	}
	if base.Empty() {
		return Path{}
	}
	if s == "" {
		return base
	}
	return Parse(base.String() + "/" + s)
}

// Empty reports whether p is the empty path.
func (p Path) Empty() bool {
	return !p.valid
}

// String returns the slash-separated form, "/" for the root and "" for the empty path.
func (p Path) String() string {
	if !p.valid {
		return ""
	}
	return "/" + strings.Join(p.segments, "/")
}

// Depth returns the number of segments below the root.
func (p Path) Depth() int {
	return len(p.segments)
}

// HasParent reports whether p has a parent directory. The root and the empty path do not.
func (p Path) HasParent() bool {
	return p.valid && len(p.segments) > 0
}

// Parent returns the parent directory, or the empty path if there is none.
func (p Path) Parent() Path {
	if !p.HasParent() {
		return Path{}
	}
	return Path{segments: p.segments[:len(p.segments)-1:len(p.segments)-1], valid: true}
}

// LastSegment returns the final segment, or "" for the root and the empty path.
func (p Path) LastSegment() string {
	if !p.HasParent() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// AddSegment returns p with seg appended.
func (p Path) AddSegment(seg string) Path {
	if !p.valid {
		return Path{}
	}
	segs := make([]string, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Path{segments: append(segs, seg), valid: true}
}

// Equal reports whether both paths name the same directory.
func (p Path) Equal(o Path) bool {
	if p.valid != o.valid || len(p.segments) != len(o.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// IsParentOf reports whether p is a strict ancestor of child.
func (p Path) IsParentOf(child Path) bool {
	if !p.valid || !child.valid || len(p.segments) >= len(child.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != child.segments[i] {
			return false
		}
	}
	return true
}

// IsSubdirOf reports whether p is a strict descendant of parent.
func (p Path) IsSubdirOf(parent Path) bool {
	return parent.IsParentOf(p)
}

// CommonParent returns the deepest directory that is p or an ancestor of p
// and also o or an ancestor of o. It is empty if either path is empty.
func (p Path) CommonParent(o Path) Path {
	if !p.valid || !o.valid {
		return Path{}
	}
	n := 0
	for n < len(p.segments) && n < len(o.segments) && p.segments[n] == o.segments[n] {
		n++
	}
	return Path{segments: p.segments[:n:n], valid: true}
}
