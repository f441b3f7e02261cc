// Package config loads the YAML process configuration.
package config
