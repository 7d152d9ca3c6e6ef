package orchestrator

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cuemby/overwatch/pkg/runtime"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/types"
)

// Labels set on the TLS-terminating service
const (
	LabelTLSHostnames    = "io.overwatch.tls.hostnames"
	LabelRootFingerprint = "io.overwatch.tls.root-fingerprint"
)

// Scope carries the deployment-wide values a run resolves services
// against. Deployment and Keys are nil in ephemeral mode.
type Scope struct {
	Mode        types.ClusterMode
	Deployment  *types.Deployment
	Keys        *types.KeyBundle
	NodeOrdinal int
	NodeName    string
}

// HasIdentity reports whether the scope carries a deployment identity that
// certificates can be issued for
func (s *Scope) HasIdentity() bool {
	return s != nil && s.Deployment != nil && s.Keys != nil
}

// Image returns the image reference for kind: the deployment's override,
// else the daemon's override, else the catalog default
func (o *Orchestrator) Image(kind types.ServiceKind, scope *Scope) (string, error) {
	def, err := o.catalog.Lookup(kind)
	if err != nil {
		return "", err
	}
	image := def.Image
	if img, ok := o.cfg.Images[kind.String()]; ok && img != "" {
		image = img
	}
	if scope != nil {
		if img := scope.Deployment.Settings(kind.String()).Image; img != "" {
			image = img
		}
	}
	return image, nil
}

// Resolve computes the descriptor for kind by merging the catalog defaults,
// deployment-wide values and, for the service that terminates TLS, routing
// labels bound to the CA-issued default certificate. The latter requires a
// bootstrapped CA and fails with security.ErrNotBootstrapped otherwise.
// Resolve performs no network calls and writes nothing.
func (o *Orchestrator) Resolve(kind types.ServiceKind, scope *Scope) (*types.ServiceDescriptor, error) {
	if scope == nil {
		scope = &Scope{Mode: types.ModeEphemeral}
	}
	def, err := o.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	image, err := o.Image(kind, scope)
	if err != nil {
		return nil, err
	}

	secure := scope.HasIdentity()
	name := ContainerName(kind)
	spec := types.ContainerSpec{
		Name:     name,
		Image:    image,
		Command:  slices.Clone(def.Command),
		Ports:    slices.Clone(def.Ports),
		Network:  o.cfg.Network,
		Aliases:  []string{kind.String()},
		Hostname: kind.String(),
		Labels: map[string]string{
			runtime.LabelService: kind.String(),
			"io.overwatch.mode":  string(scope.Mode),
		},
	}
	if def.UID >= 0 {
		spec.User = fmt.Sprintf("%d:%d", def.UID, def.GID)
	}

	desc := &types.ServiceDescriptor{Kind: kind, Spec: spec}
	if def.Readiness != nil {
		rc := *def.Readiness
		desc.Readiness = &rc
	}

	desc.Spec.Env = o.environment(kind, def, scope)

	for _, v := range def.Volumes {
		vol := types.Volume{
			Name: v.Name,
			Mode: v.Mode,
			UID:  def.UID,
			GID:  def.GID,
		}
		desc.Volumes = append(desc.Volumes, vol)
		desc.Spec.Mounts = append(desc.Spec.Mounts, types.Mount{
			Source:   o.volumePath(vol),
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	switch kind {
	case types.ServiceCA:
		desc.Volumes = append(desc.Volumes, types.Volume{
			Name:     "ca",
			HostPath: o.authority.Dir(),
			Mode:     0o700,
			UID:      o.cfg.CAUID,
			GID:      o.cfg.CAGID,
		})
		desc.Spec.Mounts = append(desc.Spec.Mounts, types.Mount{
			Source: o.authority.Dir(),
			Target: security.ContainerHome,
		})
	case types.ServiceProxy:
		desc.Spec.Command = append(desc.Spec.Command, "--providers.docker.network="+o.cfg.Network)
		desc.Spec.Mounts = append(desc.Spec.Mounts, types.Mount{Source: dockerSocket, Target: dockerSocket, ReadOnly: true})
	case types.ServiceBroker:
		desc.Spec.Command = append(desc.Spec.Command, brokerFlags(def, scope)...)
	}

	if def.Port > 0 {
		maps.Copy(desc.Spec.Labels, routeLabels(kind, def, secure))
	}

	if secure {
		desc.Spec.Mounts = append(desc.Spec.Mounts, types.Mount{
			Source:   filepath.Dir(o.authority.SharedRootPath()),
			Target:   sharedTarget,
			ReadOnly: true,
		})
		if kind.TLS().Needed {
			desc.Spec.Mounts = append(desc.Spec.Mounts, types.Mount{
				Source:   o.issuer.BundleDir(kind.String()),
				Target:   def.CertTarget,
				ReadOnly: true,
			})
		}
		if kind.TerminatesTLS() {
			labels, err := o.tlsLabels(kind, def, scope)
			if err != nil {
				return nil, err
			}
			maps.Copy(desc.Spec.Labels, labels)
		}
	}

	return desc, nil
}

// environment merges catalog env, deployment-wide values and the
// deployment's per-service overrides, in that order, as sorted KEY=VALUE
func (o *Orchestrator) environment(kind types.ServiceKind, def ServiceDefaults, scope *Scope) []string {
	env := maps.Clone(def.Env)
	if env == nil {
		env = map[string]string{}
	}
	env["OVERWATCH_MODE"] = string(scope.Mode)
	env["OVERWATCH_SERVICE"] = kind.String()

	if d := scope.Deployment; d != nil {
		env["OVERWATCH_CLUSTER_NAME"] = d.Name
		env["OVERWATCH_NODES"] = strings.Join(d.Hostnames(), ",")
		env["OVERWATCH_NODE_ORDINAL"] = strconv.Itoa(scope.NodeOrdinal)
		env["OVERWATCH_NODE_NAME"] = scope.NodeName
		maps.Copy(env, d.Settings(kind.String()).Env)
	}

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// brokerFlags advertises the external listener under this node's name and,
// once the deployment has an identity, serves it with the broker's leaf
func brokerFlags(def ServiceDefaults, scope *Scope) []string {
	if scope.NodeName == "" {
		return []string{"--advertise-kafka-addr", "internal://broker:9092,external://localhost:" + strconv.Itoa(BrokerExternalPort)}
	}
	flags := []string{
		"--advertise-kafka-addr",
		fmt.Sprintf("internal://broker:9092,external://%s:%d", strings.ToLower(scope.NodeName), BrokerExternalPort),
	}
	if scope.HasIdentity() {
		tls := fmt.Sprintf(`[{"name":"external","enabled":true,"require_client_auth":true,"cert_file":%q,"key_file":%q,"truststore_file":%q}]`,
			filepath.Join(def.CertTarget, security.CertFileName),
			filepath.Join(def.CertTarget, security.KeyFileName),
			filepath.Join(def.CertTarget, security.ChainFileName))
		flags = append(flags, "--set", "redpanda.kafka_api_tls="+tls)
	}
	return flags
}

// routeLabels publishes a routed service through the proxy. Routes are
// attached to the TLS entrypoint once the deployment has an identity.
func routeLabels(kind types.ServiceKind, def ServiceDefaults, secure bool) map[string]string {
	router := "traefik.http.routers." + kind.String()
	labels := map[string]string{"traefik.enable": "true"}
	labels[router+".rule"] = fmt.Sprintf("PathPrefix(`%s`)", def.PathPrefix)
	labels[router+".priority"] = strconv.Itoa(def.Priority)
	labels[router+".entrypoints"] = "web"
	labels["traefik.http.services."+kind.String()+".loadbalancer.server.port"] = strconv.Itoa(def.Port)
	if secure {
		labels[router+".entrypoints"] = "web,websecure"
		labels[router+".tls"] = "true"
	}
	return labels
}

// tlsLabels binds the proxy's default certificate to the bundle the CA
// issues for the deployment's hostnames and pins the root it chains to
func (o *Orchestrator) tlsLabels(kind types.ServiceKind, def ServiceDefaults, scope *Scope) (map[string]string, error) {
	root, err := o.authority.Root()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TLS routing for %s: %w", kind, err)
	}

	store := "traefik.tls.stores.default.defaultcertificate"
	labels := make(map[string]string)
	labels[store+".certfile"] = filepath.Join(def.CertTarget, security.CertFileName)
	labels[store+".keyfile"] = filepath.Join(def.CertTarget, security.KeyFileName)
	labels[LabelTLSHostnames] = strings.Join(leafRequest(kind, def, scope).SANs, ",")
	labels[LabelRootFingerprint] = root.Fingerprint
	return labels, nil
}

// leafRequest names the certificate kind needs
func leafRequest(kind types.ServiceKind, def ServiceDefaults, scope *Scope) security.LeafRequest {
	req := security.LeafRequest{
		Service:   kind.String(),
		FullChain: kind.TLS().FullChain,
		UID:       def.UID,
		GID:       def.GID,
	}
	hostnames := scope.Deployment.Hostnames()

	switch kind {
	case types.ServiceProxy:
		req.CommonName = strings.ToLower(scope.NodeName)
		if req.CommonName == "" && len(hostnames) > 0 {
			req.CommonName = hostnames[0]
		}
		req.SANs = append(slices.Clone(hostnames), kind.String(), "localhost")
	default:
		req.CommonName = kind.String()
		req.SANs = []string{kind.String(), "localhost"}
		if scope.NodeName != "" {
			req.SANs = append(req.SANs, strings.ToLower(scope.NodeName))
		}
	}
	return req
}

func (o *Orchestrator) volumePath(v types.Volume) string {
	if o.volumes == nil {
		return filepath.Join(o.cfg.VolumesDir, v.Name)
	}
	return o.volumes.Path(&v)
}
