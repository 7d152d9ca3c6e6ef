/*
Package configstore persists deployment configuration snapshots.

A snapshot is two files sharing a millisecond timestamp:

	<data>/config/<ts>.yaml   timestamp, comment and the deployment (YAML)
	<data>/keys/<ts>.keys     the key bundle (CBOR, optionally age encrypted)

Snapshots are append-only. WriteSnapshot never touches an existing
timestamp and writes the config file before the sidecar, each through a
temporary file, fsync and rename.

# Selecting the current snapshot

LoadCurrent walks timestamps from newest to oldest and returns the first
snapshot whose config and sidecar both decode and whose schema version is
supported. Unusable snapshots are skipped with a warning, so a torn write
or a damaged sidecar on the newest snapshot falls back to the previous
complete one. Config and keys are never combined across timestamps.

When nothing is usable LoadCurrent returns ErrNotFound, which callers treat
as the unconfigured state rather than a failure. I/O errors other than a
missing file (permissions, a broken disk) are returned as is.

# Encryption at rest

WithPassphrase encrypts new sidecars with an age scrypt recipient. Reading
detects the age header, so plain sidecars written before a passphrase was
configured remain readable.
*/
package configstore
