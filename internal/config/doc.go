// Package config loads and validates broker configuration from YAML.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing. Optional fields get defaults from defaults.go.
package config
