package configstore

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// SchemaVersion is written into new deployment descriptions
const SchemaVersion = "1.0"

// SupportedSchema is the range of deployment schema versions this build reads
const SupportedSchema = ">= 1.0, < 2.0"

var supportedSchema = version.MustConstraints(version.NewConstraint(SupportedSchema))

// CheckSchema reports whether a deployment schema version can be read
func CheckSchema(v string) error {
	if v == "" {
		return fmt.Errorf("deployment schema version is missing")
	}
	ver, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("unable to parse deployment schema version %q: %w", v, err)
	}
	if !supportedSchema.Check(ver) {
		return fmt.Errorf("deployment schema version %s is not in %s", ver, SupportedSchema)
	}
	return nil
}
