// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Timing fields use Go duration strings ("10s", "1m30s").
package config
