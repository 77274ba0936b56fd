package types

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// UIDSet is the set of message UIDs matching the filter as of one search.
type UIDSet map[uint32]struct{}

// NewUIDSet creates a set holding the given UIDs
func NewUIDSet(uids ...uint32) UIDSet {
	s := make(UIDSet, len(uids))
	for _, uid := range uids {
		s[uid] = struct{}{}
	}
	return s
}

// Add inserts uid into the set
func (s UIDSet) Add(uid uint32) {
	s[uid] = struct{}{}
}

// Contains reports whether uid is in the set
func (s UIDSet) Contains(uid uint32) bool {
	_, ok := s[uid]
	return ok
}

// Len returns the number of UIDs in the set
func (s UIDSet) Len() int {
	return len(s)
}

// Sorted returns the UIDs in ascending order
func (s UIDSet) Sorted() []uint32 {
	uids := maps.Keys(s)
	slices.Sort(uids)
	return uids
}

// Clone returns an independent copy of the set
func (s UIDSet) Clone() UIDSet {
	c := make(UIDSet, len(s))
	for uid := range s {
		c[uid] = struct{}{}
	}
	return c
}

// Diff returns the UIDs present in current but absent from previous.
// UIDs that disappeared from current are ignored.
func Diff(previous, current UIDSet) UIDSet {
	added := make(UIDSet)
	for uid := range current {
		if !previous.Contains(uid) {
			added[uid] = struct{}{}
		}
	}
	return added
}
