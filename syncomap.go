package peernet

import (
	"cmp"
	"iter"
	"sync"
	"sync/atomic"

	rb "github.com/glycerine/rbtree"
)

// an omap with a mutex. Trimmed to the methods peerMirror actually uses
// (Len/set/delkey/all); see omap.go for the fuller surface, which is kept
// because omap_test.go exercises all of it.
type syncomap[K cmp.Ordered, V any] struct {
	mu sync.Mutex

	version int64

	tree *rb.Tree

	// cache the first range all, and use
	// ordercache if we range all again without
	// intervening upsert or deletes.
	ordercache   []*okv[K, V]
	cacheversion int64
}

// newSyncomap makes a new syncomap.
func newSyncomap[K cmp.Ordered, V any]() *syncomap[K, V] {
	return &syncomap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *syncomap[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tree.Len()
}

// delkey deletes a key from the omap, if present.
// This is an O(log n) time operation.
//
// If found returns true, next has the
// iterator following the deleted key.
//
// If found returns false, next is s.tree.Limit(),
// which can be used to terminate an iteration.
//
// Using next provides "advance and delete behind"
// semantics.
func (s *syncomap[K, V]) delkey(key K) (found bool, next rb.Iterator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isNil(key) {
		next = s.tree.Limit()
		return
	}

	query := &okv[K, V]{key: key}
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(query)
	if found {
		atomic.AddInt64(&s.version, 1)
		s.ordercache = nil
		s.cacheversion = 0
		next = it.Next()
		s.tree.DeleteWithIterator(it)
	} else {
		next = it // Limit
	}
	return
}

// set is an upsert. It does an insert if the key is
// not already present returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *syncomap[K, V]) set(key K, val V) (newlyAdded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isNil(key) {
		return
	}
	atomic.AddInt64(&s.version, 1)
	s.ordercache = nil
	s.cacheversion = 0

	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		prev := it.Item().(*okv[K, V])
		prev.val = val
		return
	}
	newlyAdded = true
	_, it = s.tree.InsertGetIt(query)

	return
}

// all starts an iteration over all elements in
// the omap. The mutex is held for the whole
// iteration, so the loop body must not call
// back into this syncomap.
func (s *syncomap[K, V]) all() iter.Seq2[K, V] {

	seq2 := func(yield func(K, V) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		n := s.tree.Len()
		nc := len(s.ordercache)

		// detect deletes in the middle of using s.ordercache.
		vers := atomic.LoadInt64(&s.version)

		if nc == n && s.cacheversion == vers {
			// s.ordercache is usable.
			nextit := s.tree.Min()
			for i, kv := range s.ordercache {
				nextit = nextit.Next() // in case of slow path below
				if !yield(kv.key, kv.val) {
					return
				}
				vers2 := atomic.LoadInt64(&s.version)
				if vers2 == vers {
					continue
				} else {
					// delete in middle of iteration.
					// abandon oc, down shift to
					// slow/safe path using nextit.
					n2 := s.tree.Len()
					if i >= n2-1 {
						// we were on the last anyway. done.
						return
					}
					// still have some left
					var kv *okv[K, V]
					for !nextit.Limit() {
						kv = nextit.Item().(*okv[K, V])
						// pre-advance, allows deletion of it.
						nextit = nextit.Next()
						if !yield(kv.key, kv.val) {
							return
						}
					}
					return // essential, cannot resume 1st loop.
				} // end if else vers2 != vers
			} // end for i over s.ordercache
			return
		} // end if ordercache hit

		// cache miss. cannot read from
		// s.ordercache, but we will try to fill
		// it on this pass. only do full fills
		// for simplicity.
		s.ordercache = nil
		s.cacheversion = vers
		cachegood := true // invalidate if delete in middle of all.
		it := s.tree.Min()
		for !it.Limit() {

			kv := it.Item().(*okv[K, V])
			// advance before yeilding so user
			// can delete at it if desired, and
			// we will keep on going
			it = it.Next()

			if cachegood {
				s.ordercache = append(s.ordercache, kv)
			}
			if !yield(kv.key, kv.val) {
				return
			}
			// check for delete/change in middle.
			vers2 := atomic.LoadInt64(&s.version)
			if vers2 != vers {
				cachegood = false
				s.ordercache = nil
				s.cacheversion = 0
			}

		} // end for it != lim
	} // end seq2 definition
	return seq2
}
