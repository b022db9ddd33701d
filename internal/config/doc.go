// Package config loads, normalizes, and validates upload service configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML or YAML files, and honours environment fallbacks such
// as UPLOADER_API_TOKEN. The Config type centralizes every knob the daemon and
// CLI need: the destination and staging roots, size and type policy, the wire
// field map used to decode chunk requests, and the notification endpoint.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, parsed size limits, and clear validation errors.
package config
