package types

import "time"

// Phase names a step of bringing one service up
type Phase string

const (
	PhaseLoad       Phase = "load"
	PhaseResolve    Phase = "resolve"
	PhaseIssue      Phase = "issue"
	PhaseImage      Phase = "image"
	PhaseCreate     Phase = "create"
	PhaseBootstrap  Phase = "bootstrap"
	PhaseStart      Phase = "start"
	PhaseReady      Phase = "ready"
	PhaseNetwork    Phase = "network"
	PhaseMembership Phase = "membership"
)

// ServiceOutcome is the most recent start result for one service
type ServiceOutcome struct {
	Service     string        `json:"service"`
	Succeeded   bool          `json:"succeeded"`
	Phase       Phase         `json:"phase"`
	ContainerID string        `json:"container_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// StartupRun records one execution of the cluster startup driver
type StartupRun struct {
	ID                string           `json:"id"`
	Mode              ClusterMode      `json:"mode"`
	SnapshotTimestamp int64            `json:"snapshot_timestamp,omitempty"`
	NodeOrdinal       int              `json:"node_ordinal,omitempty"`
	NodeName          string           `json:"node_name,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	Services          []ServiceOutcome `json:"services"`
	Succeeded         bool             `json:"succeeded"`
	Error             string           `json:"error,omitempty"`
}
