package roomsync

import "slices"

// Collection is an ordered set of entities keyed by id. With a nil less
// function entities keep insertion order; otherwise they are kept sorted,
// ties broken by insertion. An id appears at most once.
//
// Collection is not safe for concurrent use; the Reconciler guards it.
type Collection[T Entity] struct {
	less    func(a, b T) bool
	order   []string
	items   map[string]T
	pending map[string]bool
}

// NewCollection creates an empty collection.
func NewCollection[T Entity](less func(a, b T) bool) *Collection[T] {
	return &Collection[T]{
		less:    less,
		items:   make(map[string]T),
		pending: make(map[string]bool),
	}
}

func (c *Collection[T]) Len() int { return len(c.order) }

func (c *Collection[T]) Has(id string) bool {
	_, ok := c.items[id]
	return ok
}

func (c *Collection[T]) Get(id string) (T, bool) {
	v, ok := c.items[id]
	return v, ok
}

// Insert adds v and reports whether it was new. An existing id is left untouched.
func (c *Collection[T]) Insert(v T) bool {
	id := v.EntityID()
	if _, ok := c.items[id]; ok {
		return false
	}
	c.items[id] = v
	if c.less == nil {
		c.order = append(c.order, id)
		return true
	}
	i := len(c.order)
	for i > 0 && c.less(v, c.items[c.order[i-1]]) {
		i--
	}
	c.order = slices.Insert(c.order, i, id)
	return true
}

// Put replaces an existing entity in place. It reports false when the id is absent.
func (c *Collection[T]) Put(v T) bool {
	id := v.EntityID()
	if _, ok := c.items[id]; !ok {
		return false
	}
	c.items[id] = v
	if c.less != nil {
		c.resort()
	}
	return true
}

// Remove deletes id and returns the removed entity.
func (c *Collection[T]) Remove(id string) (T, bool) {
	v, ok := c.items[id]
	if !ok {
		return v, false
	}
	delete(c.items, id)
	delete(c.pending, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return v, true
}

// Items returns the entities in order.
func (c *Collection[T]) Items() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// SetPending flags id as an optimistic write awaiting confirmation.
func (c *Collection[T]) SetPending(id string, pending bool) {
	if !c.Has(id) {
		return
	}
	if pending {
		c.pending[id] = true
	} else {
		delete(c.pending, id)
	}
}

func (c *Collection[T]) IsPending(id string) bool { return c.pending[id] }

// Replace swaps the contents for vs. Pending entities missing from vs are
// carried over so unconfirmed local writes survive a refetch. It returns
// the confirmed entities that were dropped.
func (c *Collection[T]) Replace(vs []T) []T {
	var dropped []T
	keep := make(map[string]bool, len(vs))
	for _, v := range vs {
		keep[v.EntityID()] = true
	}
	var carried []T
	for _, id := range c.order {
		if keep[id] {
			continue
		}
		if c.pending[id] {
			carried = append(carried, c.items[id])
			continue
		}
		dropped = append(dropped, c.items[id])
	}

	c.order = c.order[:0]
	c.items = make(map[string]T, len(vs)+len(carried))
	pending := make(map[string]bool, len(carried))
	for _, v := range vs {
		c.Insert(v)
	}
	for _, v := range carried {
		if c.Insert(v) {
			pending[v.EntityID()] = true
		}
	}
	c.pending = pending
	return dropped
}

func (c *Collection[T]) resort() {
	slices.SortStableFunc(c.order, func(a, b string) int {
		switch {
		case c.less(c.items[a], c.items[b]):
			return -1
		case c.less(c.items[b], c.items[a]):
			return 1
		}
		return 0
	})
}
