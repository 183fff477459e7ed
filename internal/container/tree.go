package container

import "github.com/google/btree"

// treeItem pairs an ordering key with its value; OrderedTree orders
// purely on key, so two items with equal keys collide the same way a
// red-black tree keyed on a non-unique field would. The caller (the
// scheduler) makes keys unique by folding in the process id.
type treeItem[K any, V any] struct {
	key K
	val V
}

// OrderedTree is an ordered-key container with Min/Max queries, backing
// the scheduler's runtime*priority ordering. It is implemented over
// google/btree's generic B-tree rather than a hand-rolled red-black tree:
// both are O(log n) balanced ordered trees, and btree.BTreeG already
// provides the exact Min/Delete/ReplaceOrInsert operations the scheduler
// needs.
type OrderedTree[K any, V any] struct {
	t    *btree.BTreeG[treeItem[K, V]]
	less func(a, b K) bool
}

// NewOrderedTree constructs an OrderedTree ordered by less.
func NewOrderedTree[K any, V any](less func(a, b K) bool) *OrderedTree[K, V] {
	ot := &OrderedTree[K, V]{less: less}
	ot.t = btree.NewG(32, func(a, b treeItem[K, V]) bool {
		return less(a.key, b.key)
	})
	return ot
}

// Insert adds (or replaces the value for) key.
func (t *OrderedTree[K, V]) Insert(key K, val V) {
	t.t.ReplaceOrInsert(treeItem[K, V]{key: key, val: val})
}

// Delete removes key, reporting whether it was present.
func (t *OrderedTree[K, V]) Delete(key K) bool {
	var zero V
	_, ok := t.t.Delete(treeItem[K, V]{key: key, val: zero})
	return ok
}

// Min returns the smallest key's value.
func (t *OrderedTree[K, V]) Min() (K, V, bool) {
	item, ok := t.t.Min()
	if !ok {
		var zk K
		var zv V
		return zk, zv, false
	}
	return item.key, item.val, true
}

// Max returns the largest key's value.
func (t *OrderedTree[K, V]) Max() (K, V, bool) {
	item, ok := t.t.Max()
	if !ok {
		var zk K
		var zv V
		return zk, zv, false
	}
	return item.key, item.val, true
}

// Len returns the number of entries.
func (t *OrderedTree[K, V]) Len() int { return t.t.Len() }

// Ascend visits entries in ascending key order; fn returning false stops
// the walk.
func (t *OrderedTree[K, V]) Ascend(fn func(key K, val V) bool) {
	t.t.Ascend(func(item treeItem[K, V]) bool {
		return fn(item.key, item.val)
	})
}
