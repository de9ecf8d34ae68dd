// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Unknown keys are rejected. Only instance.id is required; everything else
// has a default (see defaults.go).
// The ledger database section is validated only when ledger.enabled is true.
package config
