// Package config loads the shared YAML configuration for both bridge
// binaries, expanding environment variables and parsing duration strings.
package config
