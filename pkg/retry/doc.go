// Package retry is the single poll-until-success primitive used wherever one
// component waits for another to become reachable: CA signing during
// certificate issuance, readiness checks after a container starts, raft
// leader election in cluster mode.
//
// A timeout is a normal outcome reported as ErrTimeout, never a panic.
package retry
