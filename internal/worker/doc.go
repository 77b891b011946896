// Package worker implements the offline-caching worker and the registration
// that hosts it.
//
// A Worker is built from an immutable Config (cache name, version tag, scope,
// asset allow-list, fallback document). It handles four lifecycle events:
//
//   - Install: open the bucket named <CacheName>-<Version> and precache the
//     allow-list. Required assets are added all-or-nothing, optional assets
//     one by one. Failures are logged, never fatal.
//   - Activate: delete every bucket in the site's storage except the current
//     one.
//   - Fetch: cache-first for same-origin requests, network on miss (storing
//     same-origin basic 200 responses in the background), fallback document
//     for navigations when the network fails.
//   - Message: the SKIP_WAITING directive lets a waiting worker take over.
//
// A Registration plays the host: it installs new versions next to the active
// worker, promotes the waiting one when no requests are in flight (or on
// SKIP_WAITING), and routes requests to whichever worker is active.
package worker
