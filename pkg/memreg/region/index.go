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

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// Item is a range stored in an Index together with its value.
type Item[V any] struct {
	Range Range
	Value V
}

// Index is an ordered map keyed by Range. Keys are ordered by Compare, so
// several ranges may share a base address. Index is not safe for concurrent
// use.
type Index[V any] struct {
	tree *redblacktree.Tree
	// maxLen bounds how far left of a query an overlapping key can start.
	// It only grows, which keeps lookups correct after deletions.
	maxLen uint64
}

// NewIndex creates an empty Index.
func NewIndex[V any]() *Index[V] {
	return &Index[V]{
		tree: redblacktree.NewWith(func(a, b interface{}) int {
			return Compare(a.(Range), b.(Range)) //nolint:forcetypeassert // only Ranges are stored
		}),
	}
}

// Put stores value under r, replacing any value stored under the same range.
func (x *Index[V]) Put(r Range, value V) {
	x.tree.Put(r, value)
	if r.Length > x.maxLen {
		x.maxLen = r.Length
	}
}

// Get returns the value stored under exactly r.
func (x *Index[V]) Get(r Range) (V, bool) {
	var zero V
	value, found := x.tree.Get(r)
	if !found {
		return zero, false
	}
	return value.(V), true //nolint:forcetypeassert // only Vs are stored
}

// Delete removes r and reports whether it was present.
func (x *Index[V]) Delete(r Range) bool {
	if _, found := x.tree.Get(r); !found {
		return false
	}
	x.tree.Remove(r)
	return true
}

// Len returns the number of stored ranges.
func (x *Index[V]) Len() int {
	return x.tree.Size()
}

// Clear removes every stored range.
func (x *Index[V]) Clear() {
	x.tree.Clear()
	x.maxLen = 0
}

// Overlapping returns the stored items sharing at least one byte with r, in
// key order.
func (x *Index[V]) Overlapping(r Range) []Item[V] {
	var items []Item[V]
	x.scan(r, func(item Item[V]) {
		if item.Range.Overlaps(r) {
			items = append(items, item)
		}
	})
	return items
}

// Containing returns the stored items whose range contains r.
func (x *Index[V]) Containing(r Range) []Item[V] {
	var items []Item[V]
	x.scan(r, func(item Item[V]) {
		if item.Range.Contains(r) {
			items = append(items, item)
		}
	})
	return items
}

// Within returns the stored items whose range lies inside r.
func (x *Index[V]) Within(r Range) []Item[V] {
	var items []Item[V]
	x.scan(r, func(item Item[V]) {
		if r.Contains(item.Range) {
			items = append(items, item)
		}
	})
	return items
}

// Match returns the items matching r under mode: overlapping items for
// MatchOverlap, items inside r for MatchWithin.
func (x *Index[V]) Match(mode MatchMode, r Range) []Item[V] {
	if mode == MatchWithin {
		return x.Within(r)
	}
	return x.Overlapping(r)
}

// Each calls fn for every item in key order until fn returns false.
func (x *Index[V]) Each(fn func(Item[V]) bool) {
	it := x.tree.Iterator()
	for it.Next() {
		item := Item[V]{Range: it.Key().(Range), Value: it.Value().(V)} //nolint:forcetypeassert // typed on insert
		if !fn(item) {
			return
		}
	}
}

// scan visits, in key order, every item whose base lies in the window that
// may overlap r.
func (x *Index[V]) scan(r Range, visit func(Item[V])) {
	if x.tree.Empty() {
		return
	}

	var low uintptr
	if uint64(r.Base) > x.maxLen {
		low = r.Base - uintptr(x.maxLen)
	}

	node, found := x.tree.Ceiling(Range{Base: low})
	for found && node != nil {
		key := node.Key.(Range) //nolint:forcetypeassert // only Ranges are stored
		if key.Base >= r.End() {
			return
		}
		visit(Item[V]{Range: key, Value: node.Value.(V)}) //nolint:forcetypeassert // typed on insert
		node, found = x.tree.Ceiling(Range{Base: key.Base, Length: key.Length + 1})
	}
}
