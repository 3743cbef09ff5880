// ABOUTME: Package doc for the persistence layer
// ABOUTME: Describes collections, repository interfaces, and the two backends

// Package store persists users, contacts, talks, and messages.
//
// The repository interfaces (UserRepo, ContactRepo, TalkRepo,
// MessageRepo) are combined behind Store. Mongo is the production
// backend over the users/contacts/talks/messages collections; Memory
// mirrors its semantics for tests and single-node runs. Identifiers
// are ObjectIDs rendered as 24-character hex on the wire. Lookups for
// absent entities return ErrNotFound; services translate that sentinel
// into their own error taxonomy.
package store
