// Package config holds the file-based configuration for the mock
// coordinator and the standalone relay binary. Files may be YAML or
// JSON; JSON parses as a YAML subset.
package config
