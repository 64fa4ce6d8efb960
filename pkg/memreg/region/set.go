/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package region

import "slices"

// Set is a union of ranges kept as sorted, disjoint, non-adjacent spans.
// The zero value is an empty set.
type Set struct {
	spans []Range
}

// NewSet returns the union of the given ranges.
func NewSet(ranges ...Range) *Set {
	s := &Set{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// Add merges r into the set.
func (s *Set) Add(r Range) {
	if r.Length == 0 {
		return
	}

	merged := r
	kept := s.spans[:0:0]
	for _, span := range s.spans {
		// adjacent spans merge as well
		if span.End() < merged.Base || merged.End() < span.Base {
			kept = append(kept, span)
			continue
		}
		merged = merged.Union(span)
	}

	idx, _ := slices.BinarySearchFunc(kept, merged, Compare)
	s.spans = slices.Insert(kept, idx, merged)
}

// Remove subtracts r from the set.
func (s *Set) Remove(r Range) {
	if r.Length == 0 {
		return
	}

	var kept []Range
	for _, span := range s.spans {
		kept = append(kept, subtract(span, r)...)
	}
	s.spans = kept
}

// Overlaps reports whether any span shares a byte with r.
func (s *Set) Overlaps(r Range) bool {
	for _, span := range s.spans {
		if span.Overlaps(r) {
			return true
		}
	}
	return false
}

// Covers reports whether r lies entirely inside the set.
func (s *Set) Covers(r Range) bool {
	return len(s.Gaps(r)) == 0
}

// Gaps returns the parts of r not covered by the set, in address order.
func (s *Set) Gaps(r Range) []Range {
	if r.Length == 0 {
		return nil
	}

	gaps := []Range{r}
	for _, span := range s.spans {
		if !span.Overlaps(r) {
			continue
		}
		var next []Range
		for _, gap := range gaps {
			next = append(next, subtract(gap, span)...)
		}
		gaps = next
	}
	return gaps
}

// Ranges returns a copy of the spans in address order.
func (s *Set) Ranges() []Range {
	return slices.Clone(s.spans)
}

// Len returns the number of disjoint spans.
func (s *Set) Len() int {
	return len(s.spans)
}

// subtract returns a minus b as zero, one or two ranges.
func subtract(a, b Range) []Range {
	if !a.Overlaps(b) {
		return []Range{a}
	}

	var out []Range
	if a.Base < b.Base {
		out = append(out, Range{Base: a.Base, Length: uint64(b.Base - a.Base)})
	}
	if b.End() < a.End() {
		out = append(out, Range{Base: b.End(), Length: uint64(a.End() - b.End())})
	}
	return out
}
