// ABOUTME: Package gateway serves the websocket and REST surface
// ABOUTME: One Conn per socket; a Dispatcher routes inbound command frames

// Package gateway is the outer shell of the server. It upgrades
// websocket connections, authenticates them by session cookie or auth
// frame, pumps bus events and presence snapshots out as JSON frames,
// and exposes a small REST API for talk management alongside health
// and metrics endpoints.
//
// Each connection runs two goroutines: a reader that decodes command
// frames and hands them to the Dispatcher, and a writer that owns the
// socket for everything outbound. Teardown is idempotent and releases
// bus subscriptions and the presence registration exactly once.
package gateway
