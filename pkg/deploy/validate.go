package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/overwatch/pkg/configstore"
	"github.com/cuemby/overwatch/pkg/types"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ParseFile reads a YAML deployment description
func ParseFile(path string) (*types.Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment description: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML deployment description. Unknown fields are rejected
// so a misspelled key does not silently fall back to a default.
func Parse(data []byte) (*types.Deployment, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d types.Deployment
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment description: %w", err)
	}
	if d.Version == "" {
		d.Version = configstore.SchemaVersion
	}
	return &d, nil
}

// Validate reports every problem with a deployment description at once
func Validate(d *types.Deployment) error {
	if d == nil {
		return errors.New("deployment description is empty")
	}

	var errs []error
	if err := configstore.CheckSchema(d.Version); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}

	if len(d.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}
	seen := make(map[string]int)
	for i, n := range d.Nodes {
		name := strings.ToLower(strings.TrimSuffix(n.Name, "."))
		if err := validateHostname(name); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", i+1, err))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("node %d: %q duplicates node %d", i+1, n.Name, prev))
			continue
		}
		seen[name] = i + 1
	}

	if d.ThisNode < 0 || d.ThisNode > len(d.Nodes) {
		errs = append(errs, fmt.Errorf("this_node %d is outside the node list (%d nodes)", d.ThisNode, len(d.Nodes)))
	}

	for name, settings := range d.Services {
		if _, err := types.ParseServiceKind(name); err != nil {
			errs = append(errs, fmt.Errorf("services: %w", err))
			continue
		}
		for key := range settings.Env {
			if key == "" || strings.ContainsAny(key, "= ") {
				errs = append(errs, fmt.Errorf("services.%s.env: invalid variable name %q", name, key))
			}
		}
	}

	return errors.Join(errs...)
}

func validateHostname(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 253 {
		return fmt.Errorf("%q is longer than 253 characters", name)
	}
	for _, label := range strings.Split(name, ".") {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("%q is not a valid host name", name)
		}
	}
	return nil
}
