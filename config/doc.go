// Package config loads and validates the runwatch application configuration.
//
// Configuration is a single file, JSON or YAML by extension, with ${VAR}
// environment expansion applied before decoding so secrets like the ingress
// access key never need to live in the file itself. Load applies operational
// defaults; Validate enforces backend selection rules (the JetStream backlog
// needs the NATS registry's backbone).
package config
