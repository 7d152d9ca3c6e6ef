package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/overwatch/pkg/fsutil"
	"github.com/cuemby/overwatch/pkg/types"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/overwatch/volumes"

	defaultMode os.FileMode = 0755
)

// Driver prepares host directories that back container bind mounts
type Driver interface {
	// Create makes the volume directory with its mode and owner and fills in
	// HostPath when it was empty
	Create(volume *types.Volume) error

	// Delete removes a volume and its contents
	Delete(volume *types.Volume) error

	// Path returns the host path for a volume
	Path(volume *types.Volume) string
}

// LocalDriver keeps volumes as plain directories under a base path
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// Create creates the volume directory. Running it again on an existing
// volume reapplies mode and ownership without touching contents.
func (d *LocalDriver) Create(volume *types.Volume) error {
	if volume.Name == "" && volume.HostPath == "" {
		return fmt.Errorf("volume needs a name or a host path")
	}

	path := d.Path(volume)
	mode := volume.Mode
	if mode == 0 {
		mode = defaultMode
	}

	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}
	// MkdirAll is subject to umask
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set volume mode: %w", err)
	}
	if err := fsutil.Chown(volume.UID, volume.GID, path); err != nil {
		return fmt.Errorf("failed to set volume owner: %w", err)
	}

	volume.HostPath = path
	return nil
}

// Delete removes a local volume directory
func (d *LocalDriver) Delete(volume *types.Volume) error {
	path := d.Path(volume)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}

	return nil
}

// Path returns the host path for a volume
func (d *LocalDriver) Path(volume *types.Volume) string {
	if volume.HostPath != "" {
		return volume.HostPath
	}
	return filepath.Join(d.basePath, volume.Name)
}

// BasePath returns the directory named volumes live under
func (d *LocalDriver) BasePath() string {
	return d.basePath
}
