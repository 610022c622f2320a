// Package fastcache is a pluggable caching layer with interchangeable
// backends and an optional distributed lock for coordinating cache fills.
//
// Components:
//   - Client: the store contract. memory.Store (sharded, in-process),
//     bigstore.Store (off-heap, in-process) and redisstore.Store (remote)
//     implement it.
//   - Locker: guarded critical sections. redlock.Coordinator implements it
//     over one or more independent Redis backends.
//   - Registry: maps a type tag to a codec so remote entries can be decoded
//     back into concrete Go values.
//   - keyexpr: turns call arguments into deterministic keys.
//
// Semantics shared by every backend:
//
//	Set is first-write-wins: an existing, unexpired key is never overwritten.
//	A miss is never an error: Get returns ok=false, err=nil.
//	Delete(key, prefix) with '*' in key is a glob over "prefix:key".
//
// Cache-aside:
//
//	users := fastcache.NewFetcher[User](client, fastcache.FetchOptions{TTL: time.Minute})
//	u, err := users.Get(ctx, keyexpr.Key("user", "{id}", args), loadUser)
package fastcache
