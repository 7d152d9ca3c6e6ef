package security

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignPath is the CA's signing endpoint
const SignPath = "/1.0/sign"

// SignRequest is the body of a sign call
type SignRequest struct {
	CSR      string `json:"csr"`
	OTT      string `json:"ott"`
	NotAfter string `json:"notAfter,omitempty"`
}

// SignResponse is the CA's answer to a sign call
type SignResponse struct {
	Crt       string   `json:"crt"`
	CA        string   `json:"ca"`
	CertChain []string `json:"certChain"`
}

// SignError is a non-2xx answer from the CA
type SignError struct {
	StatusCode int
	Message    string
}

func (e *SignError) Error() string {
	return fmt.Sprintf("CA returned %d: %s", e.StatusCode, e.Message)
}

// SignClient talks to the CA over TLS, trusting only the deployment's own
// root. Public CA hierarchies are never consulted.
type SignClient struct {
	baseURL string
	http    *http.Client
}

// NewSignClient creates a client for caURL pinned to root
func NewSignClient(caURL string, root *x509.Certificate) *SignClient {
	pool := x509.NewCertPool()
	pool.AddCert(root)
	fingerprint := Fingerprint(root)

	tlsConfig := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		// the verified chain must end at the pinned root
		VerifyConnection: func(cs tls.ConnectionState) error {
			for _, chain := range cs.VerifiedChains {
				if len(chain) > 0 && Fingerprint(chain[len(chain)-1]) == fingerprint {
					return nil
				}
			}
			return fmt.Errorf("CA certificate does not chain to root %s", fingerprint)
		},
	}

	return &SignClient{
		baseURL: strings.TrimRight(caURL, "/"),
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
}

// Audience is the token audience for this client's signing endpoint
func (c *SignClient) Audience() string {
	return c.baseURL + SignPath
}

// Sign submits a CSR with its authorization token
func (c *SignClient) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Audience(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sign request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach CA: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sign response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, &SignError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out SignResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sign response: %w", err)
	}
	if out.Crt == "" {
		return nil, fmt.Errorf("sign response has no certificate")
	}
	return &out, nil
}

// Close releases idle connections
func (c *SignClient) Close() {
	c.http.CloseIdleConnections()
}
