// ABOUTME: Package doc for the shared cache layer
// ABOUTME: Describes key taxonomy, TTL policy, and keyspace events

// Package cache provides the shared key/value and set cache used for
// sessions, identity lookups, contact sets, talk membership, and the
// online-users roster.
//
// Keys are typed: constructors like SessionKey and ContactsKey render
// the canonical string form and carry the TTL policy for their kind, so
// callers never concatenate prefixes by hand. Two backends implement
// the Cache interface: Redis for deployments (keyspace notifications
// drive cross-node presence) and Memory for tests and single-node runs
// (events are synthesized locally).
package cache
