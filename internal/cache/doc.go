// Package cache provides a generic LRU cache with an eviction callback.
//
// Backend variants use it to pool GPU-side allocations that are expensive
// to create, such as staging buffers and compiled shader modules. The
// eviction callback releases the underlying allocation when an entry falls
// off the cold end.
package cache
