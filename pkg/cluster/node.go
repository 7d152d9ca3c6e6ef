package cluster

import (
	"fmt"
	"strings"

	"github.com/cuemby/overwatch/pkg/types"
)

// ResolveOrdinal finds this node's 1-based position in the deployment.
// An explicit this_node wins; a single-node deployment is always ordinal 1;
// otherwise hostname is matched against the node names, fully qualified
// first and then by short name.
func ResolveOrdinal(d *types.Deployment, hostname string) (int, error) {
	n := d.NodeCount()
	if n == 0 {
		return 0, fmt.Errorf("deployment has no nodes")
	}
	if d.ThisNode != 0 {
		if d.ThisNode < 1 || d.ThisNode > n {
			return 0, fmt.Errorf("this_node %d is outside the node list (%d nodes)", d.ThisNode, n)
		}
		return d.ThisNode, nil
	}
	if n == 1 {
		return 1, nil
	}

	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if host == "" {
		return 0, fmt.Errorf("cannot match an empty hostname against the node list")
	}
	names := d.Hostnames()
	for i, name := range names {
		if name == host {
			return i + 1, nil
		}
	}

	short := shortName(host)
	match := 0
	for i, name := range names {
		if shortName(name) == short {
			if match != 0 {
				return 0, fmt.Errorf("hostname %q matches more than one node", hostname)
			}
			match = i + 1
		}
	}
	if match == 0 {
		return 0, fmt.Errorf("hostname %q is not in the node list", hostname)
	}
	return match, nil
}

func shortName(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

// ServicesFor returns the ordered service list a mode starts
func ServicesFor(mode types.ClusterMode) []types.ServiceKind {
	switch mode {
	case types.ModeEphemeral:
		return []types.ServiceKind{types.ServiceProxy, types.ServiceAPI, types.ServiceUI}
	case types.ModeStandalone, types.ModeCluster:
		return []types.ServiceKind{
			types.ServiceCA,
			types.ServiceProxy,
			types.ServiceAPI,
			types.ServiceUI,
			types.ServiceBroker,
			types.ServiceConsole,
		}
	default:
		panic(fmt.Sprintf("cluster: no service list for mode %q", mode))
	}
}
