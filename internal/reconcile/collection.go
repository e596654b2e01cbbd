// Package reconcile keeps keyed client-side collections consistent with an
// authoritative source while optimistic local edits are in flight.
package reconcile

import (
	"slices"
	"sort"
)

// Collection is an ordered, keyed set of records. Order and partition counts
// are re-derived from scratch after every change. Collection is not safe for
// concurrent use; owners guard it with their own lock.
type Collection[K comparable, T any] struct {
	key        func(T) K
	less       func(a, b T) bool
	partitions map[string]func(T) bool

	items   []T
	index   map[K]int
	counts  map[string]int
	pending map[K]struct{}
}

// NewCollection returns an empty collection ordered by less and counted by
// the named partition predicates.
func NewCollection[K comparable, T any](key func(T) K, less func(a, b T) bool, partitions map[string]func(T) bool) *Collection[K, T] {
	c := &Collection[K, T]{
		key:        key,
		less:       less,
		partitions: partitions,
		index:      make(map[K]int),
		counts:     make(map[string]int),
		pending:    make(map[K]struct{}),
	}
	c.reindex()
	return c
}

// Upsert inserts item or replaces the record with the same key. It returns
// the previous record when one existed.
func (c *Collection[K, T]) Upsert(item T) (prev T, existed bool) {
	k := c.key(item)
	if i, ok := c.index[k]; ok {
		prev, existed = c.items[i], true
		c.items[i] = item
	} else {
		c.items = append(c.items, item)
	}
	c.reindex()
	return prev, existed
}

// Remove deletes the record with key k.
func (c *Collection[K, T]) Remove(k K) (prev T, ok bool) {
	i, ok := c.index[k]
	if !ok {
		return prev, false
	}
	prev = c.items[i]
	c.items = slices.Delete(c.items, i, i+1)
	c.reindex()
	return prev, true
}

// Get returns the record with key k.
func (c *Collection[K, T]) Get(k K) (T, bool) {
	i, ok := c.index[k]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// Has reports whether a record with key k exists.
func (c *Collection[K, T]) Has(k K) bool {
	_, ok := c.index[k]
	return ok
}

// Len returns the number of records.
func (c *Collection[K, T]) Len() int { return len(c.items) }

// List returns the records in order. The slice is a copy.
func (c *Collection[K, T]) List() []T {
	return slices.Clone(c.items)
}

// Filter returns, in order, the records matching pred.
func (c *Collection[K, T]) Filter(pred func(T) bool) []T {
	var out []T
	for _, it := range c.items {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// Count returns the size of a named partition.
func (c *Collection[K, T]) Count(partition string) int { return c.counts[partition] }

// Counts returns a copy of every partition count.
func (c *Collection[K, T]) Counts() map[string]int {
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Recount counts a partition by scanning every record.
func (c *Collection[K, T]) Recount(partition string) int {
	pred, ok := c.partitions[partition]
	if !ok {
		return 0
	}
	n := 0
	for _, it := range c.items {
		if pred(it) {
			n++
		}
	}
	return n
}

// Sorted reports whether the records satisfy the collection's order.
func (c *Collection[K, T]) Sorted() bool {
	return sort.SliceIsSorted(c.items, func(i, j int) bool { return c.less(c.items[i], c.items[j]) })
}

// MarkPending tags k as owned by an in-flight local mutation.
func (c *Collection[K, T]) MarkPending(k K) { c.pending[k] = struct{}{} }

// ClearPending drops the pending tag of k.
func (c *Collection[K, T]) ClearPending(k K) { delete(c.pending, k) }

// IsPending reports whether k is tagged pending.
func (c *Collection[K, T]) IsPending(k K) bool {
	_, ok := c.pending[k]
	return ok
}

// Replace swaps the contents for an authoritative set. Pending keys keep
// their local state: a pending record stays as it is (or stays absent when
// the pending mutation removed it) whatever the authoritative set says.
func (c *Collection[K, T]) Replace(items []T) {
	next := make([]T, 0, len(items)+len(c.pending))
	seen := make(map[K]struct{}, len(items))
	for _, it := range items {
		k := c.key(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if c.IsPending(k) {
			continue
		}
		next = append(next, it)
	}
	for k := range c.pending {
		if local, ok := c.Get(k); ok {
			next = append(next, local)
		}
	}
	c.items = next
	c.reindex()
}

func (c *Collection[K, T]) reindex() {
	slices.SortStableFunc(c.items, func(a, b T) int {
		switch {
		case c.less(a, b):
			return -1
		case c.less(b, a):
			return 1
		}
		return 0
	})
	clear(c.index)
	for i, it := range c.items {
		c.index[c.key(it)] = i
	}
	clear(c.counts)
	for name := range c.partitions {
		c.counts[name] = 0
	}
	for _, it := range c.items {
		for name, pred := range c.partitions {
			if pred(it) {
				c.counts[name]++
			}
		}
	}
}
