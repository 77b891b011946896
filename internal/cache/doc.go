// Package cache implements the per-site cache storage: a set of named buckets,
// each a persistent request→response store laid out as
// StoragePath/<site>/<bucket>/<key-hash>.{body,meta}. Writes go through a temp
// file + rename so readers never observe a half-written entry, and the
// BackgroundWriter turns fire-and-forget puts into awaitable PendingWrite
// handles. The worker package builds its install/activate/fetch handlers on
// top of these primitives without touching the filesystem directly.
package cache
