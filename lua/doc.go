// Package lua provides Redis-compatible Lua script execution over the
// string store.
//
// Scripts see KEYS and ARGV and can reach the store through redis.call and
// redis.pcall, limited to GET, SET, DEL and EXISTS. Writes go through a
// write guard, so a read-only replica rejects them, and are reported to a
// write observer so the server can forward them to its replicas.
//
// Results follow the Redis conversion rules: numbers truncate to integers,
// true becomes 1, false and nil become a null reply, array tables stop at
// the first nil, and {ok=...} or {err=...} tables become status and error
// replies.
//
// Each script runs in a fresh state with only the base, table, string and
// math libraries loaded.
package lua
