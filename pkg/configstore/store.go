package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/overwatch/pkg/fsutil"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/types"
)

const (
	configExt = ".yaml"
	keysExt   = ".keys"
)

// ErrNotFound means no usable snapshot exists. Before initial setup this is
// the normal state, not a failure.
var ErrNotFound = errors.New("no usable configuration snapshot")

// envelope is the on-disk form of a snapshot's config file
type envelope struct {
	Timestamp int64             `yaml:"timestamp"`
	Comment   string            `yaml:"comment"`
	Config    *types.Deployment `yaml:"config"`
}

// Store reads and writes configuration snapshots. Each snapshot is a config
// file <configDir>/<ts>.yaml and a key sidecar <keysDir>/<ts>.keys.
//
// A snapshot is usable when both files exist and decode. The current
// snapshot is the usable one with the highest timestamp; unusable newer
// snapshots are skipped. Config and keys always come from the same
// timestamp.
type Store struct {
	configDir  string
	keysDir    string
	passphrase string
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithPassphrase encrypts new key sidecars and decrypts encrypted ones
func WithPassphrase(passphrase string) Option {
	return func(s *Store) { s.passphrase = passphrase }
}

// WithClock replaces time.Now for timestamp assignment
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over the two directories. Missing directories are
// created on the first write.
func New(configDir, keysDir string, opts ...Option) *Store {
	s := &Store{
		configDir: configDir,
		keysDir:   keysDir,
		now:       time.Now,
		logger:    log.WithComponent("configstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListSnapshots returns every snapshot's metadata sorted by ascending
// timestamp. A missing directory yields an empty list.
func (s *Store) ListSnapshots() ([]types.SnapshotInfo, error) {
	timestamps, err := s.timestamps()
	if err != nil {
		return nil, err
	}

	infos := make([]types.SnapshotInfo, 0, len(timestamps))
	current := -1
	for _, ts := range timestamps {
		info := types.SnapshotInfo{Timestamp: ts}
		env, cerr := s.readConfig(ts)
		if cerr == nil {
			info.Comment = env.Comment
			_, kerr := s.readKeys(ts)
			info.Usable = kerr == nil
		}
		if info.Usable {
			current = len(infos)
		}
		infos = append(infos, info)
	}
	if current >= 0 {
		infos[current].Current = true
	}
	return infos, nil
}

// LoadCurrent returns the newest usable snapshot, or ErrNotFound
func (s *Store) LoadCurrent() (*types.Snapshot, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotLoadDuration)

	timestamps, err := s.timestamps()
	if err != nil {
		return nil, err
	}

	for i := len(timestamps) - 1; i >= 0; i-- {
		ts := timestamps[i]
		snap, err := s.load(ts)
		if err == nil {
			metrics.CurrentSnapshot.Set(float64(ts))
			return snap, nil
		}
		if !isUnusable(err) {
			return nil, err
		}
		metrics.SnapshotsSkipped.Inc()
		s.logger.Warn().
			Int64("timestamp", ts).
			Err(err).
			Msg("Skipping unusable snapshot")
	}
	return nil, ErrNotFound
}

// Load returns the snapshot at ts. An unusable snapshot is reported as
// ErrNotFound wrapping the reason.
func (s *Store) Load(ts int64) (*types.Snapshot, error) {
	snap, err := s.load(ts)
	if err != nil {
		if isUnusable(err) {
			return nil, fmt.Errorf("snapshot %d: %w: %v", ts, ErrNotFound, err)
		}
		return nil, err
	}
	return snap, nil
}

// WriteSnapshot stores a new snapshot and returns its timestamp. The config
// file is written before the key sidecar, so a crash in between leaves a
// snapshot that LoadCurrent skips.
func (s *Store) WriteSnapshot(cfg *types.Deployment, keys *types.KeyBundle, comment string) (int64, error) {
	if cfg == nil {
		return 0, fmt.Errorf("config must not be nil")
	}
	if keys == nil {
		return 0, fmt.Errorf("keys must not be nil")
	}

	existing, err := s.timestamps()
	if err != nil {
		return 0, err
	}
	ts := s.now().UnixMilli()
	if n := len(existing); n > 0 && ts <= existing[n-1] {
		// keep timestamps strictly increasing across clock steps
		ts = existing[n-1] + 1
	}

	configData, err := yaml.Marshal(&envelope{Timestamp: ts, Comment: comment, Config: cfg})
	if err != nil {
		return 0, fmt.Errorf("failed to encode config: %w", err)
	}
	keysData, err := encodeKeys(keys, s.passphrase)
	if err != nil {
		return 0, err
	}

	if err := fsutil.WriteFileAtomic(s.configPath(ts), configData, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.keysPath(ts), keysData, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write keys: %w", err)
	}

	s.logger.Info().
		Int64("timestamp", ts).
		Str("comment", comment).
		Int("nodes", cfg.NodeCount()).
		Msg("Configuration snapshot written")
	return ts, nil
}

// unusableError marks a snapshot that exists but cannot be selected
type unusableError struct {
	err error
}

func (e *unusableError) Error() string { return e.err.Error() }
func (e *unusableError) Unwrap() error { return e.err }

func isUnusable(err error) bool {
	var u *unusableError
	return errors.As(err, &u)
}

func (s *Store) load(ts int64) (*types.Snapshot, error) {
	env, err := s.readConfig(ts)
	if err != nil {
		return nil, err
	}
	keys, err := s.readKeys(ts)
	if err != nil {
		return nil, err
	}
	return &types.Snapshot{
		Timestamp: ts,
		Comment:   env.Comment,
		Config:    env.Config,
		Keys:      keys,
	}, nil
}

// readConfig decodes a config file. Missing or undecodable files make the
// snapshot unusable; other I/O errors are returned as is.
func (s *Store) readConfig(ts int64) (*envelope, error) {
	data, err := os.ReadFile(s.configPath(ts))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &unusableError{fmt.Errorf("config file missing: %w", err)}
		}
		return nil, fmt.Errorf("failed to read config %d: %w", ts, err)
	}

	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, &unusableError{fmt.Errorf("failed to decode config: %w", err)}
	}
	if env.Config == nil {
		return nil, &unusableError{fmt.Errorf("config file has no deployment")}
	}
	if err := CheckSchema(env.Config.Version); err != nil {
		return nil, &unusableError{err}
	}
	if env.Config.NodeCount() == 0 {
		return nil, &unusableError{fmt.Errorf("deployment has no nodes")}
	}
	return &env, nil
}

// readKeys decodes a key sidecar. Any failure makes the snapshot unusable.
func (s *Store) readKeys(ts int64) (*types.KeyBundle, error) {
	data, err := os.ReadFile(s.keysPath(ts))
	if err != nil {
		return nil, &unusableError{fmt.Errorf("keys sidecar unreadable: %w", err)}
	}
	keys, err := decodeKeys(data, s.passphrase)
	if err != nil {
		return nil, &unusableError{err}
	}
	return keys, nil
}

// timestamps lists config file timestamps in ascending order
func (s *Store) timestamps() ([]int64, error) {
	entries, err := os.ReadDir(s.configDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var out []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, configExt) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(name, configExt), 10, 64)
		if err != nil || ts <= 0 {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) configPath(ts int64) string {
	return filepath.Join(s.configDir, strconv.FormatInt(ts, 10)+configExt)
}

func (s *Store) keysPath(ts int64) string {
	return filepath.Join(s.keysDir, strconv.FormatInt(ts, 10)+keysExt)
}
