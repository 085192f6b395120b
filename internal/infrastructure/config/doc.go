// Package config provides configuration loading and validation for the
// grid monitor agent.
//
// Configuration is loaded from a YAML file with environment variable
// overrides following the pattern GRIDMON_SECTION_KEY. Defaults are applied
// first, then file values, then environment overrides, and the result is
// validated before use.
//
// Secrets (WiFi PSK, MQTT password, InfluxDB token) should be supplied via
// environment variables rather than committed to the config file.
package config
