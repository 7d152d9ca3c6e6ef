// Package deploy accepts deployment descriptions. A description is parsed
// from YAML, validated, paired with the deployment's key bundle and written
// to the config store as a new snapshot, after which a startup run is
// triggered.
package deploy
