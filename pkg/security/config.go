package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/tidwall/jsonc"

	"github.com/cuemby/overwatch/pkg/types"
)

// ClientConfig is the document CA clients read to find and trust the CA.
// Operators may annotate it, so comments and trailing commas are accepted.
type ClientConfig struct {
	CAURL       string `json:"ca-url"`
	CAConfig    string `json:"ca-config"`
	Fingerprint string `json:"fingerprint"`
	Root        string `json:"root"`
}

// LoadClientConfig reads a client configuration document
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA client config: %w", err)
	}
	var cfg ClientConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode CA client config: %w", err)
	}
	if cfg.Fingerprint == "" {
		return nil, fmt.Errorf("CA client config has no root fingerprint")
	}
	return &cfg, nil
}

// serverConfig is the subset of the CA server configuration Overwatch
// writes
type serverConfig struct {
	Root      string          `json:"root"`
	Crt       string          `json:"crt"`
	Key       string          `json:"key"`
	Address   string          `json:"address"`
	DNSNames  []string        `json:"dnsNames"`
	Logger    map[string]any  `json:"logger"`
	DB        serverDB        `json:"db"`
	Authority serverAuthority `json:"authority"`
	TLS       serverTLS       `json:"tls"`
}

type serverDB struct {
	Type       string `json:"type"`
	DataSource string `json:"dataSource"`
}

type serverAuthority struct {
	Provisioners []provisioner `json:"provisioners"`
}

type provisioner struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Key    *jose.JSONWebKey  `json:"key"`
	Claims provisionerClaims `json:"claims"`
}

type provisionerClaims struct {
	MaxTLSCertDuration     string `json:"maxTLSCertDuration"`
	DefaultTLSCertDuration string `json:"defaultTLSCertDuration"`
}

type serverTLS struct {
	MinVersion float64 `json:"minVersion"`
	MaxVersion float64 `json:"maxVersion"`
}

// maxLeafLifetime is the longest leaf the provisioner accepts
const maxLeafLifetime = 365 * 24 * time.Hour

func buildServerConfig(hostnames []string, keys *types.KeyBundle) ([]byte, error) {
	jwk, err := ProvisionerJWK(keys)
	if err != nil {
		return nil, err
	}

	dnsNames := append([]string{"localhost", "127.0.0.1", types.ServiceCA.String()}, hostnames...)
	cfg := serverConfig{
		Root:     filepath.Join(ContainerHome, rootCertRel),
		Crt:      filepath.Join(ContainerHome, intermediateCertRel),
		Key:      filepath.Join(ContainerHome, intermediateKeyRel),
		Address:  fmt.Sprintf(":%d", CAPort),
		DNSNames: dnsNames,
		Logger:   map[string]any{"format": "json"},
		DB: serverDB{
			Type:       "badgerv2",
			DataSource: filepath.Join(ContainerHome, "db"),
		},
		Authority: serverAuthority{
			Provisioners: []provisioner{{
				Type: "JWK",
				Name: keys.ProvisionerName,
				Key:  jwk,
				Claims: provisionerClaims{
					MaxTLSCertDuration:     maxLeafLifetime.String(),
					DefaultTLSCertDuration: (90 * 24 * time.Hour).String(),
				},
			}},
		},
		TLS: serverTLS{MinVersion: 1.2, MaxVersion: 1.3},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode CA server config: %w", err)
	}
	return data, nil
}

// ProvisionerPublicKey reads the provisioner JWK back from a CA server
// configuration document
func ProvisionerPublicKey(serverConfigPath, name string) (*jose.JSONWebKey, error) {
	data, err := os.ReadFile(serverConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA server config: %w", err)
	}
	var cfg serverConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode CA server config: %w", err)
	}
	for _, p := range cfg.Authority.Provisioners {
		if p.Name == name && p.Key != nil {
			return p.Key, nil
		}
	}
	return nil, fmt.Errorf("provisioner %q not found in CA server config", name)
}
