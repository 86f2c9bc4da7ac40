package storage

import (
	"context"
	"errors"
	"time"

	"calibra/internal/fleet"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: memory, file, sqlite, postgres. Empty means memory.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpenConn int           // postgres only; 0 means driver default
}

// Store is a fleet.Store that also exposes its audit trail.
type Store interface {
	fleet.Store
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]fleet.AuditEntry, error)
}

const defaultAuditLimit = 50

func auditLimit(n int) int {
	if n <= 0 {
		return defaultAuditLimit
	}
	return n
}
