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

// Package region models ranges of a process's virtual address space and the
// ordered structures used to look them up.
package region

import (
	"fmt"
)

// Range is a contiguous span of virtual memory, [Base, Base+Length).
type Range struct {
	Base   uintptr
	Length uint64
}

// New returns the range starting at base spanning length bytes.
func New(base uintptr, length uint64) Range {
	return Range{Base: base, Length: length}
}

// End returns the first address past the range.
func (r Range) End() uintptr {
	return r.Base + uintptr(r.Length)
}

// Valid reports whether the range is non-empty and does not wrap the address
// space.
func (r Range) Valid() bool {
	if r.Length == 0 {
		return false
	}
	return r.Length <= uint64(^uintptr(0))-uint64(r.Base)
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return o.Base >= r.Base && o.End() <= r.End()
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	base := min(r.Base, o.Base)
	end := max(r.End(), o.End())
	return Range{Base: base, Length: uint64(end - base)}
}

// Align widens the range to page boundaries. pageSize must be a power of two.
func (r Range) Align(pageSize uint64) Range {
	mask := uintptr(pageSize - 1)
	base := r.Base &^ mask
	end := (r.End() + mask) &^ mask
	return Range{Base: base, Length: uint64(end - base)}
}

// String returns the range as "base+length".
func (r Range) String() string {
	return fmt.Sprintf("%#x+%d", r.Base, r.Length)
}

// Compare orders ranges by base address, then by length.
func Compare(a, b Range) int {
	switch {
	case a.Base < b.Base:
		return -1
	case a.Base > b.Base:
		return 1
	case a.Length < b.Length:
		return -1
	case a.Length > b.Length:
		return 1
	default:
		return 0
	}
}

// MatchMode selects how a looked-up range is matched against stored ranges.
type MatchMode int

const (
	// MatchOverlap matches any stored range sharing a byte with the query.
	// Overlapping registrations coalesce into one watch.
	MatchOverlap MatchMode = iota
	// MatchWithin matches by strict containment.
	MatchWithin
)

// String returns the mode name used in configuration and logs.
func (m MatchMode) String() string {
	switch m {
	case MatchOverlap:
		return "overlap"
	case MatchWithin:
		return "within"
	default:
		return fmt.Sprintf("MatchMode(%d)", int(m))
	}
}

// ParseMatchMode parses the names returned by MatchMode.String.
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "overlap", "merge":
		return MatchOverlap, nil
	case "within", "containment":
		return MatchWithin, nil
	default:
		return 0, fmt.Errorf("unknown match mode %q", s)
	}
}
