package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/overwatch/pkg/retry"
	"github.com/cuemby/overwatch/pkg/types"
)

// CheckType represents the type of readiness check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a single check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, format string, args ...any) Result {
	return Result{Healthy: true, Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

// Checker is the interface that all checkers must implement
type Checker interface {
	// Check performs one check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of check
	Type() CheckType
}

// FromReadiness builds the checker a service descriptor asks for
func FromReadiness(rc *types.ReadinessCheck) (Checker, error) {
	if rc == nil {
		return nil, errors.New("no readiness check")
	}
	switch CheckType(rc.Type) {
	case CheckTypeHTTP:
		c := NewHTTPChecker(rc.Address)
		if rc.Timeout > 0 {
			c.WithTimeout(rc.Timeout)
		}
		return c, nil
	case CheckTypeTCP:
		c := NewTCPChecker(rc.Address)
		if rc.Timeout > 0 {
			c.WithTimeout(rc.Timeout)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported readiness check type: %s", rc.Type)
	}
}

// Wait polls checker every interval until it reports healthy. It returns
// an error matching retry.ErrTimeout when timeout elapses first.
func Wait(ctx context.Context, checker Checker, interval, timeout time.Duration, name string) error {
	return retry.Until(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		result := checker.Check(ctx)
		if !result.Healthy {
			return false, errors.New(result.Message)
		}
		return true, nil
	}, retry.WithOperation("ready "+name))
}
