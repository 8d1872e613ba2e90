// Package health tracks the readiness of the relay server's parts and
// exposes an aggregated JSON status over HTTP.
package health
