package workflows

import "sort"

// SortedMapKeys returns the keys of a map sorted in ascending order.
// Go maps iterate in random order, so workflow code that iterates a map must
// sort the keys first to execute identically on replay.
func SortedMapKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	return keys
}

// recentSet remembers the most recent limit keys in insertion order.
// The order slice makes eviction and carry-over deterministic.
type recentSet struct {
	limit int
	order []string
	index map[string]struct{}
}

func newRecentSet(limit int, seed []string) *recentSet {
	s := &recentSet{limit: limit, index: make(map[string]struct{}, limit)}
	for _, k := range seed {
		s.Add(k)
	}
	return s
}

// Contains reports whether k is among the remembered keys.
func (s *recentSet) Contains(k string) bool {
	_, ok := s.index[k]
	return ok
}

// Add remembers k, evicting the oldest key when the set is full.
func (s *recentSet) Add(k string) {
	if s.Contains(k) {
		return
	}
	s.order = append(s.order, k)
	s.index[k] = struct{}{}
	for len(s.order) > s.limit {
		delete(s.index, s.order[0])
		s.order = s.order[1:]
	}
}

// Keys returns the remembered keys, oldest first.
func (s *recentSet) Keys() []string {
	return append([]string(nil), s.order...)
}
