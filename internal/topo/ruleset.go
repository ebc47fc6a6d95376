package topo

import (
	"maps"
	"slices"
)

// RuleSet is a set of rule ids.
type RuleSet map[int]struct{}

// NewRuleSet returns a set holding ids.
func NewRuleSet(ids ...int) RuleSet {
	s := make(RuleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set is empty.
func (s RuleSet) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Add inserts ids.
func (s RuleSet) Add(ids ...int) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Sorted returns the ids in ascending order.
func (s RuleSet) Sorted() []int {
	return slices.Sorted(maps.Keys(s))
}

// Minus returns the ids of s that are not in o.
func (s RuleSet) Minus(o RuleSet) RuleSet {
	out := make(RuleSet)
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy.
func (s RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(s))
	maps.Copy(out, s)
	return out
}
