// Package config splits process configuration from the deployable Config
// Store. Bootstrap covers what the process needs to start (serial port,
// database path, listen address, log level) and is read once from a YAML
// file plus environment overrides. Store covers the zones/hardware/timing
// document operators push at runtime: versioned, content-hashed, and
// applied or rolled back without a restart.
package config
