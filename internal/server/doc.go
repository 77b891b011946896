// Package server hosts the Fiber HTTP service, request middleware chain, and
// the site registry that maps Host headers to per-site worker registrations.
// Each site owns its cache storage directory and its registration; the proxy
// package turns routed requests into worker fetches. Keep exports narrow and
// accept explicit dependencies.
package server
