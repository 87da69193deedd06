// Package nscache is the kernel's name cache: a hash-by-prefix table
// mapping a `/name/...`-style path to the (port, id) that resolved it
// last time, so repeated lookups skip walking mtLookup messages down
// the name tree. Grounded on spec.md §4.4's "Name cache" paragraph,
// built on the hashtable package (kept from the teacher) keyed by
// ustr.Ustr (also kept), since both already implement exactly the
// lock-free-read hash-by-arbitrary-key and path-component machinery
// this cache needs.
package nscache

import (
	"defs"
	"hashtable"
	"ustr"
)

// / Entry_t is what a cached path resolves to: the object identity a
// / message addressed to it should carry.
type Entry_t struct {
	Port defs.Portid_t
	Id   uint64
}

// / Lookup resolves a single path component given its already-resolved
// / parent, by sending an mtLookup-equivalent request to the server
// / owning parent. Supplied by the messaging layer to avoid an
// / nscache<->port import cycle.
type Lookup func(parent Entry_t, component ustr.Ustr) (Entry_t, defs.Err_t)

// / Cache is a process-wide (or kernel-wide) path resolution cache.
type Cache struct {
	ht *hashtable.Hashtable_t
}

// / New constructs a cache with room for approximately size entries.
func New(size int) *Cache {
	return &Cache{ht: hashtable.MkHash(size)}
}

// / Peek returns the cached resolution of path without walking the
// / name tree.
func (c *Cache) Peek(path ustr.Ustr) (Entry_t, bool) {
	v, ok := c.ht.Get(path)
	if !ok {
		return Entry_t{}, false
	}
	return v.(Entry_t), true
}

// / Insert caches path as resolving to e.
func (c *Cache) Insert(path ustr.Ustr, e Entry_t) {
	if _, ok := c.ht.Set(path, e); !ok {
		c.ht.Del(path)
		c.ht.Set(path, e)
	}
}

// / Invalidate drops path's cache entry, if any (e.g. on unlink/rename
// / at the owning server).
func (c *Cache) Invalidate(path ustr.Ustr) {
	if _, ok := c.ht.Get(path); ok {
		c.ht.Del(path)
	}
}

// / Resolve returns path's cached resolution, or on a miss walks it
// / component-by-component from root via lookup, caching the full
// / path on success.
func (c *Cache) Resolve(root Entry_t, path ustr.Ustr, lookup Lookup) (Entry_t, defs.Err_t) {
	if e, ok := c.Peek(path); ok {
		return e, 0
	}

	cur := root
	for _, comp := range splitComponents(path) {
		next, err := lookup(cur, comp)
		if err != 0 {
			return Entry_t{}, err
		}
		cur = next
	}
	c.Insert(path, cur)
	return cur, 0
}

// splitComponents breaks path on '/', skipping empty components
// produced by a leading slash or repeated separators.
func splitComponents(path ustr.Ustr) []ustr.Ustr {
	var comps []ustr.Ustr
	rest := path
	for len(rest) > 0 {
		i := rest.IndexByte('/')
		if i < 0 {
			comps = append(comps, rest)
			break
		}
		if i > 0 {
			comps = append(comps, rest[:i])
		}
		rest = rest[i+1:]
	}
	return comps
}
