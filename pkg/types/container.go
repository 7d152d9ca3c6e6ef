package types

import (
	"os"
	"time"
)

// ContainerSpec is a fully resolved container specification
type ContainerSpec struct {
	Name     string
	Image    string
	Env      []string
	Command  []string
	User     string
	Mounts   []Mount
	Ports    []PortMapping
	Labels   map[string]string
	Network  string
	Aliases  []string
	Hostname string
}

// Mount is a host bind mount
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortMapping publishes a container port on the host
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string // tcp or udp
}

// Volume is a host directory backing one or more mounts
type Volume struct {
	Name     string
	HostPath string
	Mode     os.FileMode
	UID      int // -1 leaves ownership unchanged
	GID      int
}

// ReadinessCheck describes how to tell a started service is serving
type ReadinessCheck struct {
	Type    string // tcp or http
	Address string
	Timeout time.Duration
}

// ServiceDescriptor is computed on demand for one service; it is never
// persisted
type ServiceDescriptor struct {
	Kind        ServiceKind
	Spec        ContainerSpec
	Volumes     []Volume
	Certificate *CertificateBundle
	Readiness   *ReadinessCheck
}
