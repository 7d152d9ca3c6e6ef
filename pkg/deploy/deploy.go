package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/configstore"
	"github.com/cuemby/overwatch/pkg/events"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/types"
)

// DefaultProvisionerName names the deployment's provisioner at the CA
const DefaultProvisionerName = "overwatch"

// signingKeyPurposes are the symmetric keys every deployment carries
var signingKeyPurposes = []string{"api", "console"}

// Store is the part of the config store the deploy operation needs
type Store interface {
	LoadCurrent() (*types.Snapshot, error)
	WriteSnapshot(cfg *types.Deployment, keys *types.KeyBundle, comment string) (int64, error)
}

// Trigger starts a startup run once a snapshot is written
type Trigger func(ctx context.Context) error

// Option customizes a Deployer
type Option func(*Deployer)

// WithTrigger runs fn after each written snapshot
func WithTrigger(fn Trigger) Option {
	return func(d *Deployer) { d.trigger = fn }
}

// WithEvents publishes snapshot.written to p
func WithEvents(p events.Publisher) Option {
	return func(d *Deployer) { d.events = p }
}

// WithRotateKeys generates a new key bundle even when the current snapshot
// has one. Existing certificates stop validating against a CA bootstrapped
// from the old provisioner key.
func WithRotateKeys(rotate bool) Option {
	return func(d *Deployer) { d.rotate = rotate }
}

// Result describes an accepted deployment
type Result struct {
	Timestamp     int64
	Mode          types.ClusterMode
	KeysGenerated bool
	// TriggerErr is the trigger's failure; the snapshot is written either way
	TriggerErr error
}

// Deployer validates deployment descriptions and writes them as snapshots
type Deployer struct {
	store   Store
	trigger Trigger
	events  events.Publisher
	rotate  bool
	logger  zerolog.Logger
}

// New creates a Deployer
func New(store Store, opts ...Option) *Deployer {
	d := &Deployer{
		store:  store,
		events: events.Discard,
		logger: log.WithComponent("deploy"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy validates desc, writes it with the deployment's key bundle as a
// new snapshot and notifies the trigger. The current snapshot's keys are
// reused so the CA's trust in the provisioner key survives redeploys.
func (d *Deployer) Deploy(ctx context.Context, desc *types.Deployment, comment string) (*Result, error) {
	if err := Validate(desc); err != nil {
		return nil, fmt.Errorf("invalid deployment: %w", err)
	}

	current, err := d.store.LoadCurrent()
	if err != nil && !errors.Is(err, configstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to load current snapshot: %w", err)
	}

	res := &Result{Mode: types.DeriveMode(&types.Snapshot{Config: desc})}
	var keys *types.KeyBundle
	if current != nil && current.Keys != nil && !d.rotate {
		keys = current.Keys
	} else {
		keys, err = GenerateKeys(DefaultProvisionerName)
		if err != nil {
			return nil, err
		}
		res.KeysGenerated = true
	}

	if comment == "" {
		comment = "updated deployment"
		if current == nil {
			comment = "initial deployment"
		}
	}

	res.Timestamp, err = d.store.WriteSnapshot(desc, keys, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	d.logger.Info().
		Int64("timestamp", res.Timestamp).
		Str("mode", string(res.Mode)).
		Bool("keys_generated", res.KeysGenerated).
		Msg("Deployment accepted")
	d.events.Publish(events.New(events.EventSnapshotWritten, comment,
		"timestamp", fmt.Sprint(res.Timestamp), "mode", string(res.Mode)))

	if d.trigger != nil {
		if err := d.trigger(ctx); err != nil {
			d.logger.Warn().Err(err).Int64("timestamp", res.Timestamp).Msg("Startup run after deploy failed")
			res.TriggerErr = err
		}
	}
	return res, nil
}

// GenerateKeys creates a deployment's key bundle: symmetric signing keys,
// the root token and the ECDSA P-256 provisioner key
func GenerateKeys(provisioner string) (*types.KeyBundle, error) {
	keys := &types.KeyBundle{
		SigningKeys:     make(map[string][]byte, len(signingKeyPurposes)),
		ProvisionerName: provisioner,
	}
	for _, purpose := range signingKeyPurposes {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate %s signing key: %w", purpose, err)
		}
		keys.SigningKeys[purpose] = key
	}

	token := make([]byte, 24)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("failed to generate root token: %w", err)
	}
	keys.RootToken = hex.EncodeToString(token)

	provisionerKey, err := security.GenerateProvisionerKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate provisioner key: %w", err)
	}
	keys.ProvisionerKey = provisionerKey
	return keys, nil
}
