package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/overwatch/pkg/fsutil"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/types"
)

// errNoIdentity is returned by bootstrap routines run without a deployment
var errNoIdentity = errors.New("bootstrap requires a deployment and its keys")

// bootstrapCA makes sure the CA's root material exists before its
// container starts. The driver normally bootstraps ahead of the walk, in
// which case this only loads the existing root.
func (o *Orchestrator) bootstrapCA(ctx context.Context, kind types.ServiceKind, scope *Scope) error {
	if !scope.HasIdentity() {
		return errNoIdentity
	}
	root, err := o.authority.Bootstrap(scope.Deployment, scope.Keys)
	if err != nil {
		return err
	}
	o.logger.Debug().Str("fingerprint", root.Fingerprint).Msg("CA root material present")
	return nil
}

type consoleConfig struct {
	Kafka  consoleKafka  `yaml:"kafka"`
	Server consoleServer `yaml:"server"`
}

type consoleKafka struct {
	Brokers []string   `yaml:"brokers"`
	TLS     consoleTLS `yaml:"tls"`
}

type consoleTLS struct {
	Enabled      bool   `yaml:"enabled"`
	CAFilepath   string `yaml:"caFilepath"`
	CertFilepath string `yaml:"certFilepath"`
	KeyFilepath  string `yaml:"keyFilepath"`
}

type consoleServer struct {
	ListenPort int    `yaml:"listenPort"`
	BasePath   string `yaml:"basePath"`
}

// ConsoleConfigPath is where the console's configuration file lives on the
// host
func (o *Orchestrator) ConsoleConfigPath() string {
	return filepath.Join(o.volumePath(types.Volume{Name: "console"}), consoleConfigName)
}

// bootstrapConsole writes the console's configuration file once. An
// existing file is left alone, so operator edits survive restarts.
func (o *Orchestrator) bootstrapConsole(ctx context.Context, kind types.ServiceKind, scope *Scope) error {
	if !scope.HasIdentity() {
		return errNoIdentity
	}

	path := o.ConsoleConfigPath()
	if fsutil.Exists(path) {
		o.logger.Debug().Str("path", path).Msg("Console configuration already present")
		return nil
	}

	def, err := o.catalog.Lookup(kind)
	if err != nil {
		return err
	}

	brokers := make([]string, 0, scope.Deployment.NodeCount())
	for _, h := range scope.Deployment.Hostnames() {
		brokers = append(brokers, h+":"+strconv.Itoa(BrokerExternalPort))
	}

	cfg := consoleConfig{
		Kafka: consoleKafka{
			Brokers: brokers,
			TLS: consoleTLS{
				Enabled:      true,
				CAFilepath:   filepath.Join(def.CertTarget, security.ChainFileName),
				CertFilepath: filepath.Join(def.CertTarget, security.CertFileName),
				KeyFilepath:  filepath.Join(def.CertTarget, security.KeyFileName),
			},
		},
		Server: consoleServer{
			ListenPort: def.Port,
			BasePath:   def.PathPrefix,
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to encode console config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write console config: %w", err)
	}

	o.logger.Info().Str("path", path).Msg("Wrote console configuration")
	return nil
}
