// Package catest runs an in-process certificate authority that speaks the
// sign protocol, for tests that exercise issuance end to end.
package catest

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/cuemby/overwatch/pkg/security"
)

// Server signs certificate requests with the intermediate an Authority
// wrote to disk. Material is read lazily, so the server may start before
// the authority is bootstrapped; until then TLS handshakes fail, much like
// a CA container that is still starting.
type Server struct {
	URL string

	authority   *security.Authority
	provisioner string
	srv         *httptest.Server

	mu        sync.Mutex
	serving   *tls.Certificate
	requests  int
	issued    int
	failNext  int
	lifetime  time.Duration
	usedToken map[string]bool
}

// New starts a server for authority's material and stops it on cleanup
func New(t testing.TB, authority *security.Authority, provisioner string) *Server {
	t.Helper()

	s := &Server{
		authority:   authority,
		provisioner: provisioner,
		lifetime:    90 * 24 * time.Hour,
		usedToken:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+security.SignPath, s.handleSign)

	s.srv = httptest.NewUnstartedServer(mux)
	s.srv.Listener = tls.NewListener(s.srv.Listener, &tls.Config{
		GetCertificate: s.getCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	s.srv.Start()
	s.URL = "https://" + s.srv.Listener.Addr().String()
	t.Cleanup(s.srv.Close)
	return s
}

// FailNext answers the next n sign calls with 503
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetLifetime overrides the validity of issued leaves
func (s *Server) SetLifetime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifetime = d
}

// Requests counts sign calls that reached the handler
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Issued counts certificates signed
func (s *Server) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving != nil {
		return s.serving, nil
	}

	inter, key, err := s.authority.IntermediateSigner()
	if err != nil {
		return nil, err
	}
	leafKey, err := security.GenerateKey()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "ca"},
		DNSNames:     []string{"localhost", "ca"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, inter, &leafKey.PublicKey, key)
	if err != nil {
		return nil, err
	}
	s.serving = &tls.Certificate{
		Certificate: [][]byte{der, inter.Raw},
		PrivateKey:  leafKey,
	}
	return s.serving, nil
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "starting")
		return
	}
	lifetime := s.lifetime
	s.mu.Unlock()

	var req security.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	block, _ := pem.Decode([]byte(req.CSR))
	if block == nil {
		writeError(w, http.StatusBadRequest, "csr is not PEM")
		return
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil || csr.CheckSignature() != nil {
		writeError(w, http.StatusBadRequest, "invalid csr")
		return
	}

	if status, err := s.authorize(req.OTT, csr); err != nil {
		writeError(w, status, err.Error())
		return
	}

	if req.NotAfter != "" {
		if d, err := time.ParseDuration(req.NotAfter); err == nil && d < lifetime {
			lifetime = d
		}
	}

	inter, key, err := s.authority.IntermediateSigner()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, inter, csr.PublicKey, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.issued++
	s.mu.Unlock()

	leafPEM := string(security.EncodeCertPEM(der))
	interPEM := string(security.EncodeCertPEM(inter.Raw))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(security.SignResponse{
		Crt:       leafPEM,
		CA:        interPEM,
		CertChain: []string{leafPEM, interPEM},
	})
}

// authorize validates the one-time token the way the CA's JWK provisioner
// does
func (s *Server) authorize(ott string, csr *x509.CertificateRequest) (int, error) {
	jwk, err := security.ProvisionerPublicKey(s.authority.ServerConfigPath(), s.provisioner)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	root, err := s.authority.Root()
	if err != nil {
		return http.StatusInternalServerError, err
	}

	tok, err := jwt.ParseSigned(ott, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return http.StatusUnauthorized, fmt.Errorf("malformed token: %w", err)
	}
	if len(tok.Headers) == 0 || tok.Headers[0].KeyID != jwk.KeyID {
		return http.StatusUnauthorized, fmt.Errorf("unknown key id")
	}

	var claims jwt.Claims
	var private security.TokenClaims
	if err := tok.Claims(jwk.Key, &claims, &private); err != nil {
		return http.StatusUnauthorized, fmt.Errorf("invalid token signature: %w", err)
	}
	expected := jwt.Expected{
		Issuer:      s.provisioner,
		Subject:     csr.Subject.CommonName,
		AnyAudience: jwt.Audience{s.URL + security.SignPath},
		Time:        time.Now(),
	}
	if err := claims.ValidateWithLeeway(expected, time.Minute); err != nil {
		return http.StatusUnauthorized, fmt.Errorf("invalid token claims: %w", err)
	}
	if private.SHA != root.Fingerprint {
		return http.StatusUnauthorized, fmt.Errorf("token is for a different root")
	}

	for _, name := range csr.DNSNames {
		if !slices.Contains(private.SANs, name) {
			return http.StatusForbidden, fmt.Errorf("name %s not authorized by token", name)
		}
	}
	for _, ip := range csr.IPAddresses {
		if !slices.Contains(private.SANs, ip.String()) {
			return http.StatusForbidden, fmt.Errorf("address %s not authorized by token", ip)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usedToken[claims.ID] {
		return http.StatusUnauthorized, fmt.Errorf("token already used")
	}
	s.usedToken[claims.ID] = true
	return 0, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "message": msg})
}
