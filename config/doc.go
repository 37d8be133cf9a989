// Package config handles loading and parsing of configuration from YAML files
// and environment variables, validates it with ozzo-validation and watches the
// file for hot reloads of rate-limit rules.
package config
