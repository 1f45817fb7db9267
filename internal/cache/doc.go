// Package cache defines the tiered, versioned response cache used by the
// interception layer. Each partition (api/static/image/font, suffixed with the
// deployment's version tag) is a directory below StoragePath/caches; each entry
// is a single file holding a JSON header line followed by the raw body, written
// through temp file + rename so concurrent overwrites stay whole. TTL-bearing
// partitions evict lazily on Get; Sweep is a housekeeping pass on top of that.
package cache
