/*
Package storage keeps the daemon's startup history in a bbolt database.

Two buckets live in <data>/overwatch.db:

	runs      <start time ns>-<run id>  JSON types.StartupRun
	outcomes  <service name>            JSON types.ServiceOutcome

Run keys sort by start time, so listing walks the bucket backwards to get
the newest runs first. SaveRun upserts: the driver saves a run when it
begins and again when it finishes, and each save trims the bucket to
DefaultHistory entries.

The outcomes bucket holds the last start result per service. The status
board is seeded from it at process start, so status is meaningful before
the first run of the process completes.

Configuration snapshots are not stored here; they live in plain files
managed by the configstore package.
*/
package storage
