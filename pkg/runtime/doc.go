/*
Package runtime adapts container engines to the small surface the service
orchestrator needs: list and pull images, ensure the deployment network,
create a container from a resolved spec and start it.

# Backends

DockerRuntime talks to the Docker Engine API. Each service container joins
the deployment's bridge network under its service alias, publishes the
ports from its spec and restarts unless stopped.

ContainerdRuntime talks to a containerd socket inside its own namespace
("overwatch" by default). Containerd has no user networks, so EnsureNetwork
does nothing and containers share the host network namespace; bind mounts
are passed to the OCI spec as rbind mounts.

Both backends replace an existing container of the same name on create, so
a changed spec always takes effect on the next run.

# Testing

FakeRuntime keeps images, networks and containers in memory and records
every call in order:

	rt := runtime.NewFakeRuntime()
	rt.FailOn(runtime.OpStart, "overwatch-api", errors.New("boom"))
	...
	assert.Equal(t, []string{"overwatch-proxy", "overwatch-api"}, rt.CallsFor(runtime.OpCreate))

Tests can append their own entries with Record to assert on the relative
order of runtime calls and other side effects.
*/
package runtime
