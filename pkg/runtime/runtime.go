package runtime

import (
	"context"
	"fmt"

	"github.com/cuemby/overwatch/pkg/types"
	"github.com/distribution/reference"
)

const (
	// BackendDocker selects the Docker Engine API
	BackendDocker = "docker"

	// BackendContainerd selects a containerd socket
	BackendContainerd = "containerd"

	// LabelManaged marks every container created by overwatch
	LabelManaged = "io.overwatch.managed"

	// LabelService records the service kind a container runs
	LabelService = "io.overwatch.service"
)

// Runtime is the container engine surface the orchestrator drives. Only the
// orchestrator calls the mutating operations.
type Runtime interface {
	// ListImages returns the references of locally present images
	ListImages(ctx context.Context) ([]string, error)

	// PullImage blocks until the image is fully pulled
	PullImage(ctx context.Context, ref string) error

	// EnsureNetwork creates the named network when it does not exist
	EnsureNetwork(ctx context.Context, name string) error

	// CreateContainer creates a container from spec, replacing any existing
	// container with the same name, and returns its id
	CreateContainer(ctx context.Context, spec *types.ContainerSpec) (string, error)

	// StartContainer starts a created container
	StartContainer(ctx context.Context, id string) error

	Close() error
}

// Options selects and configures a backend
type Options struct {
	Backend   string
	Socket    string
	Namespace string
}

// New connects to the configured backend
func New(opts Options) (Runtime, error) {
	switch opts.Backend {
	case "", BackendDocker:
		return NewDockerRuntime(opts.Socket)
	case BackendContainerd:
		return NewContainerdRuntime(opts.Socket, opts.Namespace)
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", opts.Backend)
	}
}

// HasImage reports whether ref is among images, comparing fully
// normalized names so "nginx" matches "docker.io/library/nginx:latest".
func HasImage(images []string, ref string) bool {
	want := normalizeRef(ref)
	for _, img := range images {
		if normalizeRef(img) == want {
			return true
		}
	}
	return false
}

func normalizeRef(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.TagNameOnly(named).String()
}
