package cluster

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/overwatch/pkg/storage"
	"github.com/cuemby/overwatch/pkg/types"
)

func TestStatusBoardDefaults(t *testing.T) {
	b := NewStatusBoard()

	assert.Equal(t, types.ModeEphemeral, b.Mode())
	assert.False(t, b.InProgress())
	assert.Nil(t, b.LastRun())
	assert.Empty(t, b.Outcomes())
}

func TestStatusBoardOrdersOutcomesByCatalog(t *testing.T) {
	b := NewStatusBoard()
	for _, name := range []string{"console", "api", "ca", "ui"} {
		b.record(types.ServiceOutcome{Service: name, Succeeded: true})
	}

	var names []string
	for _, o := range b.Outcomes() {
		names = append(names, o.Service)
	}
	assert.Equal(t, []string{"ca", "api", "ui", "console"}, names)
}

func TestStatusBoardFinishDropsServicesOutsideMode(t *testing.T) {
	b := NewStatusBoard()
	for _, k := range ServicesFor(types.ModeStandalone) {
		b.record(types.ServiceOutcome{Service: k.String(), Succeeded: true})
	}

	b.begin()
	assert.True(t, b.InProgress())
	b.setMode(types.ModeEphemeral, 0)
	run := &types.StartupRun{ID: "r1", Mode: types.ModeEphemeral, Succeeded: true}
	b.finish(run)

	assert.False(t, b.InProgress())
	assert.Len(t, b.Outcomes(), 3)
	_, ok := b.Outcome("ca")
	assert.False(t, ok)
	assert.Equal(t, "r1", b.LastRun().ID)
}

func TestStatusBoardFinishWithoutMode(t *testing.T) {
	b := NewStatusBoard()
	b.record(types.ServiceOutcome{Service: "broker", Succeeded: true})

	b.begin()
	b.finish(&types.StartupRun{ID: "r1"})

	_, ok := b.Outcome("broker")
	assert.True(t, ok, "a run that never derived a mode keeps the last outcomes")
}

func TestStatusBoardSeed(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	b := NewStatusBoard()
	require.NoError(t, b.Seed(store), "an empty store seeds nothing")
	assert.Nil(t, b.LastRun())

	run := &types.StartupRun{
		ID:                "r1",
		Mode:              types.ModeStandalone,
		SnapshotTimestamp: 1700000000000,
		StartedAt:         time.Now().UTC(),
		Succeeded:         true,
	}
	require.NoError(t, store.SaveRun(run))
	require.NoError(t, store.SaveOutcome(&types.ServiceOutcome{Service: "ca", Succeeded: true}))

	require.NoError(t, b.Seed(store))
	status := b.Status()
	assert.Equal(t, types.ModeStandalone, status.Mode)
	assert.Equal(t, int64(1700000000000), status.SnapshotTimestamp)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "r1", status.LastRun.ID)
	require.Len(t, status.Services, 1)
	assert.Equal(t, "ca", status.Services[0].Service)
}
