package types

// ClusterMode is derived from the current snapshot, never stored
type ClusterMode string

const (
	ModeEphemeral  ClusterMode = "ephemeral"
	ModeStandalone ClusterMode = "standalone"
	ModeCluster    ClusterMode = "cluster"
)

// DeriveMode computes the cluster mode from the current snapshot. A nil
// snapshot means no usable configuration exists yet.
func DeriveMode(snap *Snapshot) ClusterMode {
	if snap == nil || snap.Config == nil {
		return ModeEphemeral
	}
	if snap.Config.NodeCount() > 1 {
		return ModeCluster
	}
	return ModeStandalone
}
