// Package dedupe suppresses duplicate event deliveries on a connection.
// Each connection holds its own bounded TTL window of recently written
// envelope ids; an event arriving through two overlapping subscriptions
// is written to the socket only once.
package dedupe
