/*
Package orchestrator brings individual platform services up.

EnsureService is the only path in the daemon that creates or starts
containers. For one service kind it:

 1. resolves the container spec from the catalog defaults, the deployment's
    node list and overrides, and, for the proxy, TLS labels bound to the
    CA root
 2. issues or reuses the service's leaf certificate when it needs one
 3. pulls the image unless the runtime already has it
 4. creates the host volumes and the container
 5. runs the service's bootstrap routine (CA root material, console
    configuration file)
 6. starts the container and, when enabled, waits for it to serve

Each failure is returned as a *StepError naming the service and the phase
that failed.

# Catalog

DefaultCatalog holds the static part of each service: image, command, env,
ports, volumes, proxy route and readiness check. Images can be overridden
by the daemon configuration and, with higher precedence, per deployment.

# Scope

A Scope carries the values a run resolves against: the derived mode, the
deployment and its keys, and this node's ordinal and name. Ephemeral scopes
have no deployment, so nothing is issued and routes stay on plain HTTP.
*/
package orchestrator
