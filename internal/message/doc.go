// Package message owns the lifecycle of a message: sending with
// grapheme-aware splitting, owner-only edits and deletes, and the
// unseen-to-seen transition that fires when a recipient reads.
//
// Sends that exceed the length limit are split into several persisted
// messages sharing one timestamp; the chunks concatenate back to the
// original text byte for byte. Fan-out after a state change is
// best-effort: once the store has accepted the write, delivery
// failures are logged, never surfaced to the sender.
package message
