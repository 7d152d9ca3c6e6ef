package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/overwatch/pkg/types"
)

// Operations recorded by FakeRuntime
const (
	OpListImages    = "list-images"
	OpPullImage     = "pull"
	OpEnsureNetwork = "network"
	OpCreate        = "create"
	OpStart         = "start"
)

// Call is one recorded operation. Target is the image, network or
// container name the operation acted on.
type Call struct {
	Op     string
	Target string
}

func (c Call) String() string {
	if c.Target == "" {
		return c.Op
	}
	return c.Op + ":" + c.Target
}

// FakeRuntime is an in-memory Runtime that records every call in order.
// Tests may interleave their own entries with Record.
type FakeRuntime struct {
	mu         sync.Mutex
	images     map[string]bool
	networks   map[string]bool
	containers map[string]*types.ContainerSpec
	running    map[string]bool
	calls      []Call
	failures   map[Call]error
	nextID     int
}

// NewFakeRuntime returns a fake that already holds images
func NewFakeRuntime(images ...string) *FakeRuntime {
	f := &FakeRuntime{
		images:     make(map[string]bool),
		networks:   make(map[string]bool),
		containers: make(map[string]*types.ContainerSpec),
		running:    make(map[string]bool),
		failures:   make(map[Call]error),
	}
	for _, img := range images {
		f.images[normalizeRef(img)] = true
	}
	return f
}

// FailOn makes op on target return err until cleared with a nil err
func (f *FakeRuntime) FailOn(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Call{Op: op, Target: target}
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// Record appends an external entry to the call log
func (f *FakeRuntime) Record(op, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Target: target})
}

// Calls returns a copy of the call log
func (f *FakeRuntime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the targets of every recorded op, in order
func (f *FakeRuntime) CallsFor(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var targets []string
	for _, c := range f.calls {
		if c.Op == op {
			targets = append(targets, c.Target)
		}
	}
	return targets
}

// Reset clears the call log, keeping images and containers
func (f *FakeRuntime) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Container returns the last spec created under name
func (f *FakeRuntime) Container(name string) (*types.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.containers[name]
	return spec, ok
}

// Running reports whether the named container was started since it was
// last created
func (f *FakeRuntime) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *FakeRuntime) record(op, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := Call{Op: op, Target: target}
	f.calls = append(f.calls, c)
	return f.failures[c]
}

// ListImages implements Runtime
func (f *FakeRuntime) ListImages(ctx context.Context) ([]string, error) {
	if err := f.record(OpListImages, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]string, 0, len(f.images))
	for ref := range f.images {
		refs = append(refs, ref)
	}
	return refs, nil
}

// PullImage implements Runtime
func (f *FakeRuntime) PullImage(ctx context.Context, ref string) error {
	if err := f.record(OpPullImage, ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[normalizeRef(ref)] = true
	return nil
}

// EnsureNetwork implements Runtime
func (f *FakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	if err := f.record(OpEnsureNetwork, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

// CreateContainer implements Runtime. The image must have been pulled and
// the network, if any, must exist.
func (f *FakeRuntime) CreateContainer(ctx context.Context, spec *types.ContainerSpec) (string, error) {
	if err := f.record(OpCreate, spec.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[normalizeRef(spec.Image)] {
		return "", fmt.Errorf("failed to create container %s: image %s not present", spec.Name, spec.Image)
	}
	if spec.Network != "" && !f.networks[spec.Network] {
		return "", fmt.Errorf("failed to create container %s: network %s not found", spec.Name, spec.Network)
	}
	copied := *spec
	f.containers[spec.Name] = &copied
	f.running[spec.Name] = false
	f.nextID++
	return fmt.Sprintf("%s-%d", spec.Name, f.nextID), nil
}

// StartContainer implements Runtime. Ids are "<name>-<n>".
func (f *FakeRuntime) StartContainer(ctx context.Context, id string) error {
	name := id
	if i := strings.LastIndexByte(id, '-'); i > 0 {
		name = id[:i]
	}
	if err := f.record(OpStart, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return fmt.Errorf("failed to start container %s: no such container", id)
	}
	f.running[name] = true
	return nil
}

// Close implements Runtime
func (f *FakeRuntime) Close() error {
	return nil
}

var _ Runtime = (*FakeRuntime)(nil)
var _ Runtime = (*DockerRuntime)(nil)
var _ Runtime = (*ContainerdRuntime)(nil)
