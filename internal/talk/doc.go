// Package talk manages the containers messages live in: one-to-one
// chats, which are unique per member pair, and named groups of three or
// more. It owns membership resolution (with a cached member set for the
// fan-out hot path) and the denormalized last-message bookkeeping other
// services lean on.
package talk
