// Package bus fans events out from command handlers to the connections
// that should see them.
//
// Routing is per-recipient: a message created in a talk is published
// once per member on messages.<sub>.<talkId>, and talk-level activity
// goes to noti.<sub>. A connection therefore subscribes to exactly two
// patterns for its user and never filters events itself.
//
// Delivery is at-most-once with a small per-subscriber buffer. A
// subscriber that cannot keep up loses events instead of applying
// backpressure to publishers; clients recover missed state by
// re-fetching over REST.
//
// The Memory bus serves tests and single-node runs, the NATS bus
// multi-node deployments. Both carry the same JSON envelopes, so a
// frame published on one node is decodable on any other.
package bus
