// Package config handles configuration loading for talkwire.
//
// # Overview
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then flat environment variables, with later layers winning.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TALKWIRE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/talkwire/talkwire.yaml
//  3. ~/.config/talkwire/talkwire.yaml
//
// A missing file is not an error; the process can run entirely from
// environment variables.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  client_secret: "${CLIENT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Environment Overrides
//
// Every field carries a flat environment variable name that overrides
// the file value, for example:
//
//	CLIENT_ID, CLIENT_SECRET, REDIRECT_URL, ISSUER, AUDIENCE,
//	REQUIRED_CLAIMS, TOKEN_TTL, REDIS_HOST, REDIS_PORT, MONGO_HOST,
//	MONGO_PORT, MONGO_DB, NATS_HOST, NATS_PORT, ENV
//
// For the local profile a .env file in the working directory is loaded
// first if present.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "24h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Validation
//
// Load() validates:
//
//   - auth.issuer and auth.audience are present
//   - env is one of local, dev, stg, prod
//   - mongo.db is set whenever mongo.host is set
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
