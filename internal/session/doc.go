// Package session maps opaque cookie-borne session ids to bearer tokens
// and holds single-use CSRF nonces for the login handshake. State lives
// in the shared cache, so sessions work across gateway nodes and die
// with their TTL even if no node revokes them.
package session
