// Package cache provides a generic LRU cache with a hard capacity.
//
// The translation layer uses it to keep compiled shader modules keyed by a
// digest of their source, so recreating a pipeline with the same shader does not
// run the cross-compiler again.
//
//	c := cache.New[string, *Module](64)
//	m, err := c.GetOrCreate(key, func() (*Module, error) { return compile(src) })
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
