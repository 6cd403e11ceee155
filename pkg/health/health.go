package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeTCP       CheckType = "tcp"
	CheckTypeSSH       CheckType = "ssh"
	CheckTypeHandshake CheckType = "handshake"
)

// DefaultTimeout bounds a single check
const DefaultTimeout = 10 * time.Second

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

func failed(start time.Time, format string, err error) Result {
	return Result{
		Healthy:   false,
		Message:   format + ": " + err.Error(),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func passed(start time.Time, message string) Result {
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
