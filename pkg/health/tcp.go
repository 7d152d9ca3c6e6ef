package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker reports ready once Address accepts a connection. It suits
// services without an HTTP endpoint: the CA before its TLS listener is
// trusted, and the broker's Kafka port.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker dials with a 5 second timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check dials once and closes the connection straight away
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "connection failed: %v", err)
	}
	_ = conn.Close()
	return passed(start, "%s accepting connections", t.Address)
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout bounds the dial
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
