package domain

import (
	"context"
	"time"
)

// AuditEntry records a notable operational event: an archive run, a circuit
// breaker trip, a blacklist change.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the operator-facing audit trail.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
