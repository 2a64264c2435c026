package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the persistence API used by the kv package and the plugin host.
type Store interface {
	// LoadNamespace returns every key of ns. A missing namespace is empty, not an error.
	LoadNamespace(ctx context.Context, ns string) (map[string]string, error)
	PutValue(ctx context.Context, ns, key, value string) error
	DeleteValue(ctx context.Context, ns, key string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": msgpack snapshot + JSON Lines journal
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ReqID         string    `json:"req_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Plugin        string    `json:"plugin"`
	Action        string    `json:"action"`
	OK            bool      `json:"ok"`
	Error         string    `json:"err,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
