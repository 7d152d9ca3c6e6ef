package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// DockerRuntime drives a Docker Engine over its API socket
type DockerRuntime struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the engine at host, or to the one described
// by DOCKER_HOST and friends when host is empty.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client: cli,
		logger: log.WithComponent("runtime.docker"),
	}, nil
}

// Close closes the client connection
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// ListImages returns every tag and digest reference present locally
func (r *DockerRuntime) ListImages(ctx context.Context) ([]string, error) {
	summaries, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	refs := make([]string, 0, len(summaries))
	for _, s := range summaries {
		refs = append(refs, s.RepoTags...)
		refs = append(refs, s.RepoDigests...)
	}
	return refs, nil
}

// PullImage pulls ref and drains the progress stream so the call returns
// only once the pull has finished
func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	r.logger.Info().Str("image", ref).Msg("Pulling image")

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// EnsureNetwork creates a bridge network named name when none exists
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	existing, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	// The name filter matches substrings
	for _, n := range existing {
		if n.Name == name {
			return nil
		}
	}

	_, err = r.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}

	r.logger.Info().Str("network", name).Msg("Created network")
	return nil
}

// CreateContainer removes any container already named spec.Name and
// creates a fresh one from spec
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec *types.ContainerSpec) (string, error) {
	config, hostConfig, netConfig, err := dockerConfig(spec)
	if err != nil {
		return "", err
	}

	err = r.client.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		r.logger.Debug().Str("container", spec.Name).Msg("Replaced existing container")
	case !errdefs.IsNotFound(err):
		return "", fmt.Errorf("failed to remove existing container %s: %w", spec.Name, err)
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn().Str("container", spec.Name).Msg(w)
	}

	return resp.ID, nil
}

// StartContainer starts the container with the given id
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func dockerConfig(spec *types.ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid port %d/%s for %s: %w", p.ContainerPort, proto, spec.Name, err)
		}
		exposed[port] = struct{}{}
		if p.HostPort > 0 {
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
		}
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Command,
		User:         spec.User,
		Hostname:     spec.Hostname,
		Labels:       labels,
		ExposedPorts: exposed,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts:        mounts,
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	return config, hostConfig, netConfig, nil
}
