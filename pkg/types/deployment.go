package types

import "strings"

// Deployment is the declarative deployment description carried by a
// configuration snapshot.
type Deployment struct {
	// Version is the schema version of this description
	Version string `yaml:"version" json:"version"`

	// Name is the cluster display name
	Name string `yaml:"name" json:"name"`

	// Nodes lists every node of the deployment, ordinal 1 first
	Nodes []Node `yaml:"nodes" json:"nodes"`

	// ThisNode is the 1-based ordinal of the local process within Nodes.
	// Zero means "derive it" (standalone: 1, cluster: hostname match).
	ThisNode int `yaml:"this_node,omitempty" json:"this_node,omitempty"`

	// Services holds per-service settings keyed by service name
	Services map[string]ServiceSettings `yaml:"services,omitempty" json:"services,omitempty"`
}

// Node is one host of the deployment
type Node struct {
	// Name is the fully-qualified host name
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// ServiceSettings are deployment-specific overrides for one service
type ServiceSettings struct {
	Image string            `yaml:"image,omitempty" json:"image,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// NodeCount returns the number of nodes in the deployment
func (d *Deployment) NodeCount() int {
	if d == nil {
		return 0
	}
	return len(d.Nodes)
}

// Hostnames returns the lower-cased node names in list order
func (d *Deployment) Hostnames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		names = append(names, strings.ToLower(n.Name))
	}
	return names
}

// Settings returns the overrides for a service, or the zero value
func (d *Deployment) Settings(service string) ServiceSettings {
	if d == nil || d.Services == nil {
		return ServiceSettings{}
	}
	return d.Services[service]
}

// KeyBundle is the secret sidecar stored next to each snapshot
type KeyBundle struct {
	// SigningKeys are symmetric keys by purpose (api sessions, console)
	SigningKeys map[string][]byte `cbor:"signing_keys" json:"-"`

	// RootToken is the initial administrative token
	RootToken string `cbor:"root_token" json:"-"`

	// ProvisionerName identifies the deployment to the CA
	ProvisionerName string `cbor:"provisioner_name" json:"provisioner_name"`

	// ProvisionerKey is the PEM encoded EC private key the CA trusts
	ProvisionerKey []byte `cbor:"provisioner_key" json:"-"`
}

// Snapshot is one immutable, timestamped deployment configuration
type Snapshot struct {
	Timestamp int64
	Comment   string
	Config    *Deployment
	Keys      *KeyBundle
}

// SnapshotInfo is the metadata returned when listing snapshots
type SnapshotInfo struct {
	Timestamp int64  `json:"timestamp"`
	Comment   string `json:"comment"`
	Current   bool   `json:"current"`
	Usable    bool   `json:"usable"`
}
