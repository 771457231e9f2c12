// Package cache implements the origin-scoped CacheStorage: a set of named,
// versioned buckets on disk, each mapping a request key to a stored HTTP
// response. Buckets only grow; they are destroyed wholesale, never entry by
// entry. Writes go through temp file + rename so readers never observe a
// half-written entry, and every body carries a sha256 digest that is verified
// on read. The worker package depends on this package for install-time
// population, cache-first lookups and opportunistic writes.
package cache
