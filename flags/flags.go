// Package flags packs and unpacks the cache's closed flag registry to and
// from a single integer bitmap (spec §3, §4.A).
package flags

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Bits is a packed flag bitmap as persisted in cache_messages.flags.
type Bits uint32

// Names, in the order the registry is defined. Values are a closed,
// process-wide table: they MUST NOT be renumbered, only ever appended to.
const (
	Seen            = "SEEN"
	Deleted         = "DELETED"
	Answered        = "ANSWERED"
	Flagged         = "FLAGGED"
	Draft           = "DRAFT"
	MDNSent         = "MDNSENT"
	Forwarded       = "FORWARDED"
	SubmitPending   = "SUBMITPENDING"
	Submitted       = "SUBMITTED"
	Junk            = "JUNK"
	NonJunk         = "NONJUNK"
	Label1          = "LABEL1"
	Label2          = "LABEL2"
	Label3          = "LABEL3"
	Label4          = "LABEL4"
	Label5          = "LABEL5"
	HasAttachment   = "HASATTACHMENT"
	HasNoAttachment = "HASNOATTACHMENT"
)

// registry is the fixed name -> bit mapping spec §3 requires verbatim.
var registry = map[string]Bits{
	Seen:            1,
	Deleted:         2,
	Answered:        4,
	Flagged:         8,
	Draft:           16,
	MDNSent:         32,
	Forwarded:       64,
	SubmitPending:   128,
	Submitted:       256,
	Junk:            512,
	NonJunk:         1024,
	Label1:          2048,
	Label2:          4096,
	Label3:          8192,
	Label4:          16384,
	Label5:          32768,
	HasAttachment:   65536,
	HasNoAttachment: 131072,
}

// Known reports whether name is a member of the registry.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Set is a set of registry flag names.
type Set map[string]struct{}

// NewSet builds a Set from a list of names, silently dropping duplicates.
func NewSet(names ...string) Set {
	s := make(Set, len(names))

	for _, name := range names {
		s[name] = struct{}{}
	}

	return s
}

// ToSlice returns the set's members as a sorted slice.
func (s Set) ToSlice() []string {
	names := maps.Keys(s)

	slices.Sort(names)

	return names
}

// Contains reports whether name is in the set.
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Pack sums the registry keys of every known name in s. Names absent from
// the registry are dropped silently, per spec §3 ("unknown flags ... are
// dropped silently when persisting").
func Pack(s Set) Bits {
	var bits Bits

	for name := range s {
		if bit, ok := registry[name]; ok {
			bits += bit
		}
	}

	return bits
}

// Unpack returns the set of registry names present in bits. A name is
// present iff (bits & key) == key; for single-bit keys this is equivalent to
// a non-zero AND, but the equality form is the contract spec §4.A specifies.
func Unpack(bits Bits) Set {
	s := make(Set)

	for name, key := range registry {
		if bits&key == key {
			s[name] = struct{}{}
		}
	}

	return s
}

// Has reports whether a single named flag is set in bits. Unknown names
// always report false.
func Has(bits Bits, name string) bool {
	key, ok := registry[name]
	if !ok {
		return false
	}

	return bits&key == key
}

// With returns bits with name added, or bits unchanged if name is unknown.
func With(bits Bits, name string) Bits {
	key, ok := registry[name]
	if !ok {
		return bits
	}

	return bits | key
}

// Without returns bits with name removed, or bits unchanged if name is unknown.
func Without(bits Bits, name string) Bits {
	key, ok := registry[name]
	if !ok {
		return bits
	}

	return bits &^ key
}
