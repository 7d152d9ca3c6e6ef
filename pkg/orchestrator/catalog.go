package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/overwatch/pkg/types"
)

// ContainerPrefix is prepended to every service container name
const ContainerPrefix = "overwatch-"

// BrokerExternalPort is the broker listener other nodes and the console use
const BrokerExternalPort = 19092

// Well-known paths inside service containers
const (
	sharedTarget      = "/etc/overwatch/shared"
	consoleConfigDir  = "/etc/console"
	consoleConfigName = "config.yaml"
	dockerSocket      = "/var/run/docker.sock"
)

// VolumeDefault is a host directory a service mounts
type VolumeDefault struct {
	// Name is the directory below the volumes base path
	Name     string
	Target   string
	Mode     os.FileMode
	ReadOnly bool
}

// ServiceDefaults is the static part of a service's container spec
type ServiceDefaults struct {
	Image   string
	Command []string
	Env     map[string]string
	Ports   []types.PortMapping
	Volumes []VolumeDefault

	// Port is the container port the proxy routes to; zero means not routed
	Port int
	// PathPrefix is the proxy route for routed services
	PathPrefix string
	// Priority orders overlapping proxy routes, higher first
	Priority int

	// UID and GID the container runs as; -1 keeps the image's user
	UID int
	GID int

	// CertTarget is where the leaf bundle directory is mounted
	CertTarget string

	Readiness *types.ReadinessCheck
}

// Catalog maps every service kind to its defaults
type Catalog map[types.ServiceKind]ServiceDefaults

// Lookup returns the defaults for kind
func (c Catalog) Lookup(kind types.ServiceKind) (ServiceDefaults, error) {
	d, ok := c[kind]
	if !ok {
		return ServiceDefaults{}, fmt.Errorf("no catalog entry for service %s", kind)
	}
	return d, nil
}

// DefaultCatalog returns the platform's built-in service definitions
func DefaultCatalog() Catalog {
	return Catalog{
		types.ServiceCA: {
			Image: "smallstep/step-ca:0.27.4",
			Command: []string{
				"step-ca",
				"--password-file", "/home/step/secrets/password",
				"/home/step/config/ca.json",
			},
			Ports: []types.PortMapping{{HostPort: 9000, ContainerPort: 9000}},
			UID:   1000,
			GID:   1000,
			Readiness: &types.ReadinessCheck{
				Type:    "tcp",
				Address: "127.0.0.1:9000",
				Timeout: 2 * time.Second,
			},
		},
		types.ServiceProxy: {
			Image: "traefik:v3.1",
			Command: []string{
				"--providers.docker=true",
				"--providers.docker.exposedbydefault=false",
				"--entrypoints.web.address=:80",
				"--entrypoints.websecure.address=:443",
				"--ping=true",
			},
			Ports: []types.PortMapping{
				{HostPort: 80, ContainerPort: 80},
				{HostPort: 443, ContainerPort: 443},
			},
			UID:        -1,
			GID:        -1,
			CertTarget: "/certs",
			Readiness: &types.ReadinessCheck{
				Type:    "tcp",
				Address: "127.0.0.1:80",
				Timeout: 2 * time.Second,
			},
		},
		types.ServiceAPI: {
			Image: "ghcr.io/cuemby/overwatch-api:latest",
			Env: map[string]string{
				"OVERWATCH_API_LISTEN": ":8080",
				"OVERWATCH_API_DATA":   "/var/lib/overwatch-api",
			},
			Volumes: []VolumeDefault{
				{Name: "api", Target: "/var/lib/overwatch-api", Mode: 0o750},
			},
			Port:       8080,
			PathPrefix: "/api",
			Priority:   100,
			UID:        -1,
			GID:        -1,
			Readiness: &types.ReadinessCheck{
				Type:    "http",
				Address: "http://127.0.0.1:80/api/health",
				Timeout: 5 * time.Second,
			},
		},
		types.ServiceUI: {
			Image:      "ghcr.io/cuemby/overwatch-ui:latest",
			Env:        map[string]string{"PORT": "3000"},
			Port:       3000,
			PathPrefix: "/",
			Priority:   1,
			UID:        -1,
			GID:        -1,
			Readiness: &types.ReadinessCheck{
				Type:    "http",
				Address: "http://127.0.0.1:80/",
				Timeout: 5 * time.Second,
			},
		},
		types.ServiceBroker: {
			Image: "docker.redpanda.com/redpandadata/redpanda:v24.2.4",
			Command: []string{
				"redpanda", "start",
				"--overprovisioned",
				"--smp", "1",
				"--kafka-addr", "internal://0.0.0.0:9092,external://0.0.0.0:19092",
			},
			Ports: []types.PortMapping{{HostPort: 19092, ContainerPort: 19092}},
			Volumes: []VolumeDefault{
				{Name: "broker", Target: "/var/lib/redpanda/data", Mode: 0o700},
			},
			UID:        101,
			GID:        101,
			CertTarget: "/etc/redpanda/certs",
			Readiness: &types.ReadinessCheck{
				Type:    "tcp",
				Address: "127.0.0.1:19092",
				Timeout: 2 * time.Second,
			},
		},
		types.ServiceConsole: {
			Image: "docker.redpanda.com/redpandadata/console:v2.7.2",
			Env: map[string]string{
				"CONFIG_FILEPATH": consoleConfigDir + "/" + consoleConfigName,
			},
			Volumes: []VolumeDefault{
				{Name: "console", Target: consoleConfigDir, Mode: 0o755, ReadOnly: true},
			},
			Port:       8080,
			PathPrefix: "/console",
			Priority:   100,
			UID:        99,
			GID:        99,
			CertTarget: "/certs",
		},
	}
}

// ContainerName returns the container name used for kind
func ContainerName(kind types.ServiceKind) string {
	return ContainerPrefix + kind.String()
}
