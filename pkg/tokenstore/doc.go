/*
Package tokenstore persists token bundles over a pluggable key/value Medium.

A Store namespaces its keys with a prefix so several clients can share one
medium, writes the bundle as a single value, and treats anything corrupt or
incomplete as "no session". Only failures of the medium itself surface, as
autherr.KindStorage errors.

Mediums in this package:

  - MemoryMedium: a map; the default, and the only medium used when sessions
    are not persisted.
  - FileMedium: one 0600 file per key; supports Watch for cross-process sync.
  - CookieMedium: cookies in an http.CookieJar scoped to the API URL.
  - EncryptedMedium: AES-256-GCM sealing around any other medium.

The redisstore and sqlitestore subpackages add networked and embedded-database
mediums. Any type implementing Medium can be supplied directly.
*/
package tokenstore
