// Package config loads the memexd daemon configuration from a JSON file and
// fills in defaults for every field the operator leaves out. Protocol
// economics live separately in protocol.yaml (see internal/protocol).
package config
