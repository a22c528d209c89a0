// Package config loads the openmcpd configuration from a YAML file overlaid
// with OPENMCP_ environment variables, applies defaults and validates it.
package config
