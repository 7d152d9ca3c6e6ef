package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/overwatch/pkg/types"
)

func TestNewLocalDriver(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "volumes")

	driver, err := NewLocalDriver(tmpDir)
	if err != nil {
		t.Fatalf("NewLocalDriver() error = %v", err)
	}

	if driver.BasePath() != tmpDir {
		t.Errorf("basePath = %v, want %v", driver.BasePath(), tmpDir)
	}

	if _, err := os.Stat(tmpDir); os.IsNotExist(err) {
		t.Error("Base directory was not created")
	}
}

func TestLocalDriver_Create(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	volume := &types.Volume{
		Name: "broker-data",
		Mode: 0700,
		UID:  -1,
		GID:  -1,
	}

	if err := driver.Create(volume); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := filepath.Join(tmpDir, "broker-data")
	if volume.HostPath != want {
		t.Errorf("HostPath = %v, want %v", volume.HostPath, want)
	}

	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("Volume directory was not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestLocalDriver_CreateDefaultMode(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	volume := &types.Volume{Name: "ui", UID: -1, GID: -1}
	if err := driver.Create(volume); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	info, err := os.Stat(volume.HostPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != defaultMode {
		t.Errorf("mode = %v, want %v", info.Mode().Perm(), defaultMode)
	}
}

func TestLocalDriver_CreateHostPath(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	hostPath := filepath.Join(t.TempDir(), "ca", "home")
	volume := &types.Volume{Name: "ca", HostPath: hostPath, UID: -1, GID: -1}

	if err := driver.Create(volume); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if driver.Path(volume) != hostPath {
		t.Errorf("Path() = %v, want %v", driver.Path(volume), hostPath)
	}
	if _, err := os.Stat(hostPath); err != nil {
		t.Errorf("host path not created: %v", err)
	}
}

func TestLocalDriver_CreateIsIdempotent(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())
	volume := &types.Volume{Name: "api", UID: -1, GID: -1}

	if err := driver.Create(volume); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	marker := filepath.Join(volume.HostPath, "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := driver.Create(volume); err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("Create() must not clear an existing volume")
	}
}

func TestLocalDriver_CreateWithoutName(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	if err := driver.Create(&types.Volume{}); err == nil {
		t.Error("Create() without name or host path should return error")
	}
}

func TestLocalDriver_Delete(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	volume := &types.Volume{Name: "test-volume", UID: -1, GID: -1}
	if err := driver.Create(volume); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	testFile := filepath.Join(volume.HostPath, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := driver.Delete(volume); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := os.Stat(volume.HostPath); !os.IsNotExist(err) {
		t.Error("Volume directory still exists after delete")
	}
}

func TestLocalDriver_Delete_NonExistent(t *testing.T) {
	driver, _ := NewLocalDriver(t.TempDir())

	if err := driver.Delete(&types.Volume{Name: "nonexistent"}); err != nil {
		t.Errorf("Delete() on non-existent volume error = %v, want nil", err)
	}
}
