package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"time"
)

// maxDrain bounds how much of a response body is read before the connection
// is reused
const maxDrain = 64 << 10

// StatusRange is an inclusive range of accepted response codes
type StatusRange struct {
	Min, Max int
}

// Contains reports whether code is inside the range
func (r StatusRange) Contains(code int) bool {
	return code >= r.Min && code <= r.Max
}

// HTTPChecker reports ready once a GET on URL answers inside Accept. Routed
// services are usually checked through the proxy, so a 404 means the route
// is not wired yet and a 502 that the upstream is still starting.
type HTTPChecker struct {
	URL    string
	Accept StatusRange
	Client *http.Client
}

// NewHTTPChecker accepts 2xx and 3xx with a 10 second request timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Accept: StatusRange{Min: 200, Max: 399},
		Client: &http.Client{
			Timeout: 10 * time.Second,
			// a redirect to the login page still proves the service is up
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Check issues one GET
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "invalid readiness URL %q: %v", h.URL, err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, "GET %s: %v", h.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if !h.Accept.Contains(resp.StatusCode) {
		return failed(start, "GET %s: %s (accepting %d-%d)", h.URL, resp.Status, h.Accept.Min, h.Accept.Max)
	}
	return passed(start, "GET %s: %s", h.URL, resp.Status)
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithStatusRange replaces the accepted status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.Accept = StatusRange{Min: min, Max: max}
	return h
}

// WithTimeout bounds each request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// WithRootCAs trusts roots for https URLs, typically the deployment root so
// a service serving a CA-issued leaf can be checked directly
func (h *HTTPChecker) WithRootCAs(roots *x509.CertPool) *HTTPChecker {
	h.Client.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}}
	return h
}
