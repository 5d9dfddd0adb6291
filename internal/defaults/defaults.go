// Package defaults provides the embedded default configuration for the
// wagate init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration written by wagate init.
//
//go:embed config.example.yaml
var ConfigYAML []byte
