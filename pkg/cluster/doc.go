/*
Package cluster drives a node from its stored configuration to running
services.

A run loads the current snapshot, derives the cluster mode from it and walks
that mode's ordered service list through the orchestrator:

	ephemeral   proxy, api, ui
	standalone  ca, proxy, api, ui, broker, console
	cluster     ca, proxy, api, ui, broker, console

With a snapshot, the CA's root material is created before the walk so every
service that needs a certificate can be issued one. The walk stops at the
first failure and the run returns a *StartupError naming the mode, service
and phase.

Runs are serialized. A trigger that arrives while a run is going is skipped
with ErrRunInProgress; the scheduler and the SIGHUP handler simply try again
on their next tick.

In cluster mode the node's ordinal comes from this_node or from matching the
hostname against the node list, and each run's outcome is reported to the
raft membership group.

The StatusBoard holds the mode, the last run and the latest outcome of each
service so status readers never wait on a run.
*/
package cluster
