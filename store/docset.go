package store

import "slices"

// DocumentSet is an immutable sorted set of document ids, the result of a
// bitmap index lookup or a collection scan.
type DocumentSet struct {
	ids []DocumentID
}

// NewDocumentSet builds a set from ids in any order; duplicates are dropped.
func NewDocumentSet(ids ...DocumentID) *DocumentSet {
	out := slices.Clone(ids)
	slices.Sort(out)
	return &DocumentSet{ids: slices.Compact(out)}
}

// Contains reports whether id is in the set. A nil set is empty.
func (s *DocumentSet) Contains(id DocumentID) bool {
	if s == nil {
		return false
	}
	_, ok := slices.BinarySearch(s.ids, id)
	return ok
}

// Len returns the number of ids.
func (s *DocumentSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IsEmpty reports whether the set has no ids.
func (s *DocumentSet) IsEmpty() bool {
	return s.Len() == 0
}

// IDs returns the ids in ascending order.
func (s *DocumentSet) IDs() []DocumentID {
	if s == nil {
		return nil
	}
	return slices.Clone(s.ids)
}

// Union returns the ids present in either set.
func (s *DocumentSet) Union(other *DocumentSet) *DocumentSet {
	return NewDocumentSet(append(s.IDs(), other.IDs()...)...)
}

// Intersect returns the ids present in both sets.
func (s *DocumentSet) Intersect(other *DocumentSet) *DocumentSet {
	var out []DocumentID
	for _, id := range s.IDs() {
		if other.Contains(id) {
			out = append(out, id)
		}
	}
	return &DocumentSet{ids: out}
}
