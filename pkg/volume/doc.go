/*
Package volume prepares the host directories that service containers bind
mount: the CA's home, the broker's data directory, the console's config
directory and so on.

The local driver creates each directory under a base path (or at an
explicit HostPath), applies the requested mode and, when running as root,
hands it to the uid/gid the service runs as:

	driver, err := volume.NewLocalDriver(cfg.VolumesDir())
	...
	v := &types.Volume{Name: "broker-data", Mode: 0700, UID: 101, GID: 101}
	if err := driver.Create(v); err != nil {
		return err
	}
	// v.HostPath is now set

Create is idempotent and never clears existing contents, so the
orchestrator calls it on every run before creating containers.
*/
package volume
