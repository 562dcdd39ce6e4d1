// Package section describes the mapped memory regions of a target process
// and selects among them by name and access protection.
package section

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

// Protection is the access protection of a section. Flags combine.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExecute
)

// ProtRW is the protection of ordinary writable data.
const ProtRW = ProtRead | ProtWrite

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Has reports whether every flag of mask is set in p.
func (p Protection) Has(mask Protection) bool {
	return p&mask == mask
}

// ParseProtection parses a protection string such as "r", "rw", "r-x" or
// "rwx". Dashes are placeholders and letters may appear in any order.
func ParseProtection(s string) (Protection, error) {
	var p Protection
	for _, ch := range strings.ToLower(s) {
		switch ch {
		case 'r':
			p |= ProtRead
		case 'w':
			p |= ProtWrite
		case 'x':
			p |= ProtExecute
		case '-', 'p', 's':
			// placeholders and the private/shared column of /proc maps
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return p, nil
}

// Section is an immutable snapshot of one mapped region.
type Section struct {
	// Name is the backing file or pseudo name of the region, empty for
	// anonymous mappings.
	Name  string
	Start uint64
	Size  uint64
	Prot  Protection
}

// End returns the first address past the section.
func (s Section) End() uint64 {
	return s.Start + s.Size
}

// Contains reports whether addr lies inside the section.
func (s Section) Contains(addr uint64) bool {
	return addr >= s.Start && addr-s.Start < s.Size
}

func (s Section) String() string {
	name := s.Name
	if name == "" {
		name = "[anon]"
	}
	return fmt.Sprintf("%#016x-%#016x %s %8s %s", s.Start, s.End(), s.Prot, humanize.IBytes(s.Size), name)
}

// FilterByProtection returns the sections whose protection includes every
// flag in mask, in their original order.
func FilterByProtection(sections []Section, mask Protection) []Section {
	r := make([]Section, 0, len(sections))
	for _, s := range sections {
		if s.Prot.Has(mask) {
			r = append(r, s)
		}
	}
	return r
}

// FindByName returns the first section called name whose protection
// includes mask. The second result is false when there is no such section,
// which is an ordinary outcome (the module may not be loaded).
func FindByName(sections []Section, name string, mask Protection) (Section, bool) {
	for _, s := range sections {
		if s.Name == name && s.Prot.Has(mask) {
			return s, true
		}
	}
	return Section{}, false
}

// Match returns the sections whose name matches the glob pattern and whose
// protection includes mask. Patterns without a separator are also matched
// against the base name of the section, so "libc*" finds
// "/usr/lib/libc.so.6". An empty pattern matches every section.
func Match(sections []Section, pattern string, mask Protection) ([]Section, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid section pattern %q", pattern)
	}
	r := []Section{}
	for _, s := range sections {
		if !s.Prot.Has(mask) {
			continue
		}
		if pattern == "" || matchName(pattern, s.Name) {
			r = append(r, s)
		}
	}
	return r, nil
}

// matchName also accepts a literal name, since pseudo names such as
// "[heap]" read as character classes.
func matchName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if ok, _ := doublestar.Match(pattern, name); ok {
		return true
	}
	if strings.Contains(pattern, "/") {
		return false
	}
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	ok, _ := doublestar.Match(pattern, base)
	return ok
}

// Find returns the section containing addr.
func Find(sections []Section, addr uint64) (Section, bool) {
	for _, s := range sections {
		if s.Contains(addr) {
			return s, true
		}
	}
	return Section{}, false
}

// TotalSize returns the number of bytes covered by sections.
func TotalSize(sections []Section) uint64 {
	var n uint64
	for _, s := range sections {
		n += s.Size
	}
	return n
}
