// Package config loads the relay configuration from a JSON file, an optional
// .env file and RELAY_* environment variables, in that order of precedence.
package config
