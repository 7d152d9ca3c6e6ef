package types

import "fmt"

// ServiceKind enumerates the platform's fixed set of services. Adding a kind
// means extending every switch in this file; each one panics on an unknown
// value so a forgotten case fails the first test that touches it.
type ServiceKind int

const (
	ServiceCA ServiceKind = iota + 1
	ServiceProxy
	ServiceAPI
	ServiceUI
	ServiceBroker
	ServiceConsole
)

// AllServiceKinds lists every kind in declaration order
var AllServiceKinds = []ServiceKind{
	ServiceCA,
	ServiceProxy,
	ServiceAPI,
	ServiceUI,
	ServiceBroker,
	ServiceConsole,
}

func (k ServiceKind) String() string {
	switch k {
	case ServiceCA:
		return "ca"
	case ServiceProxy:
		return "proxy"
	case ServiceAPI:
		return "api"
	case ServiceUI:
		return "ui"
	case ServiceBroker:
		return "broker"
	case ServiceConsole:
		return "console"
	default:
		return fmt.Sprintf("service(%d)", int(k))
	}
}

// ParseServiceKind maps a service name to its kind
func ParseServiceKind(name string) (ServiceKind, error) {
	for _, k := range AllServiceKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown service: %q", name)
}

// BootstrapKind names the one-time initialization a service needs before
// its container may start
type BootstrapKind int

const (
	BootstrapNone BootstrapKind = iota
	BootstrapCA
	BootstrapConsole
)

func (b BootstrapKind) String() string {
	switch b {
	case BootstrapNone:
		return "none"
	case BootstrapCA:
		return "ca"
	case BootstrapConsole:
		return "console"
	default:
		return fmt.Sprintf("bootstrap(%d)", int(b))
	}
}

// Bootstrap returns the bootstrap routine the service requires
func (k ServiceKind) Bootstrap() BootstrapKind {
	switch k {
	case ServiceCA:
		return BootstrapCA
	case ServiceConsole:
		return BootstrapConsole
	case ServiceProxy, ServiceAPI, ServiceUI, ServiceBroker:
		return BootstrapNone
	default:
		panic(fmt.Sprintf("types: no bootstrap decision for %s", k))
	}
}

// TLSRequirement describes the leaf certificate a service consumes
type TLSRequirement struct {
	// Needed is true when the service must have a CA-issued leaf
	Needed bool

	// FullChain writes leaf and intermediate into a single file
	FullChain bool
}

// TLS returns the service's certificate requirement
func (k ServiceKind) TLS() TLSRequirement {
	switch k {
	case ServiceProxy:
		return TLSRequirement{Needed: true, FullChain: true}
	case ServiceBroker, ServiceConsole:
		return TLSRequirement{Needed: true}
	case ServiceCA, ServiceAPI, ServiceUI:
		return TLSRequirement{}
	default:
		panic(fmt.Sprintf("types: no TLS decision for %s", k))
	}
}

// TerminatesTLS reports whether the proxy terminates TLS for this service
// once a CA exists
func (k ServiceKind) TerminatesTLS() bool {
	switch k {
	case ServiceProxy:
		return true
	case ServiceCA, ServiceAPI, ServiceUI, ServiceBroker, ServiceConsole:
		return false
	default:
		panic(fmt.Sprintf("types: no routing decision for %s", k))
	}
}
