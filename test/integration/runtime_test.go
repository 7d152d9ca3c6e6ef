package integration

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/overwatch/pkg/runtime"
	"github.com/cuemby/overwatch/pkg/types"
)

const testImage = "docker.io/library/nginx:alpine"

func connect(t *testing.T, backend string) runtime.Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	rt, err := runtime.New(runtime.Options{Backend: backend, Namespace: "overwatch-test"})
	if err != nil {
		t.Skipf("%s not available: %v", backend, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rt.ListImages(ctx); err != nil {
		rt.Close()
		t.Skipf("%s not reachable: %v", backend, err)
	}
	return rt
}

// TestRuntimeWorkflow runs the operations the orchestrator performs for one
// service: pull, network, create, start, and create again to replace
func TestRuntimeWorkflow(t *testing.T) {
	for _, backend := range []string{runtime.BackendDocker, runtime.BackendContainerd} {
		t.Run(backend, func(t *testing.T) {
			rt := connect(t, backend)
			defer rt.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			t.Log("Step 1: Pulling nginx:alpine image...")
			if err := rt.PullImage(ctx, testImage); err != nil {
				t.Fatalf("Failed to pull image: %v", err)
			}
			images, err := rt.ListImages(ctx)
			if err != nil {
				t.Fatalf("Failed to list images: %v", err)
			}
			if !runtime.HasImage(images, "nginx:alpine") {
				t.Fatalf("Pulled image not listed: %v", images)
			}
			t.Log("✓ Image pulled successfully")

			t.Log("Step 2: Ensuring network...")
			for i := 0; i < 2; i++ {
				if err := rt.EnsureNetwork(ctx, "overwatch-test"); err != nil {
					t.Fatalf("Failed to ensure network (attempt %d): %v", i+1, err)
				}
			}
			t.Log("✓ Network present")

			spec := &types.ContainerSpec{
				Name:    "overwatch-integration-" + backend,
				Image:   testImage,
				Env:     []string{"TEST=integration"},
				Network: "overwatch-test",
				Labels:  map[string]string{runtime.LabelService: "integration"},
			}

			t.Log("Step 3: Creating container...")
			first, err := rt.CreateContainer(ctx, spec)
			if err != nil {
				t.Fatalf("Failed to create container: %v", err)
			}
			t.Logf("✓ Container created: %s", first)

			t.Log("Step 4: Starting container...")
			if err := rt.StartContainer(ctx, first); err != nil {
				t.Fatalf("Failed to start container: %v", err)
			}
			t.Log("✓ Container started")

			t.Log("Step 5: Replacing container with a new spec...")
			spec.Env = append(spec.Env, "REVISION=2")
			second, err := rt.CreateContainer(ctx, spec)
			if err != nil {
				t.Fatalf("Failed to replace container: %v", err)
			}
			if err := rt.StartContainer(ctx, second); err != nil {
				t.Fatalf("Failed to start replacement: %v", err)
			}
			t.Logf("✓ Container replaced: %s", second)
		})
	}
}

// TestRuntimePullMissingImage checks a pull failure surfaces as an error
func TestRuntimePullMissingImage(t *testing.T) {
	rt := connect(t, runtime.BackendDocker)
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := rt.PullImage(ctx, "docker.io/library/overwatch-does-not-exist:never"); err == nil {
		t.Fatal("Expected pulling a missing image to fail")
	}
}
