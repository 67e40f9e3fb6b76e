// Package config loads the kitchenstream YAML configuration.
//
// Values may reference environment variables as ${VAR}. Optional
// sections (database, relay, netwatch) are disabled when their address
// field is empty.
package config
