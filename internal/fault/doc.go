// Package fault defines the error taxonomy shared across services and transports.
package fault
