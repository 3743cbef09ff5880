// Package presence keeps the shared users:online set in step with live
// connections and tells each connection which of its accepted contacts
// are online right now.
//
// Membership is refcounted per user within a node; the set itself lives
// in the cache, so nodes see each other's users. Changes propagate via
// keyspace events, and a connection receives a new snapshot only when
// its own intersection actually changed. Snapshot channels hold a
// single slot where the newest state wins, so a stalled connection
// never sees stale presence.
package presence
