// Package identity establishes who is on the other end of a connection.
// It verifies RS256 bearer tokens against the issuer's JWKS, keeps the
// key set fresh, and resolves user profiles cache-first. The gateway
// trusts nothing about a user that did not pass through this package.
package identity
