package auth

import (
	"context"
	"time"
)

// Store describes the metadata persistence required by the auth subsystem.
// Implementations return ErrUnavailable (wrapped) when the backend cannot be reached.
type Store interface {
	Queries
	// InTx runs fn inside one transaction. Any error returned by fn rolls back.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}

// Queries groups the per-aggregate stores.
type Queries interface {
	Identities() IdentityStore
	RoleRecords() RoleRecordStore
	Sequences() SequenceStore
	Lockouts() LockoutStore
	LoginAttempts() LoginAttemptStore
	RefreshTokens() RefreshTokenStore
	AdminActions() AdminActionStore
}

// IdentityStore manages identity rows keyed by username.
type IdentityStore interface {
	Get(ctx context.Context, username string) (*Identity, error)
	GetByEmployeeID(ctx context.Context, employeeID string) (*Identity, error)
	List(ctx context.Context) ([]*Identity, error)
	// Upsert inserts id or updates the mutable fields of the row with the same username.
	Upsert(ctx context.Context, id *Identity) (int64, error)
	UpdateRole(ctx context.Context, username string, role Role, employeeID string) error
	UpdateAuthorizationLevel(ctx context.Context, username string, level int) error
	// RecordLogin bumps login_count, sets last_login_at and clears lockout fields.
	RecordLogin(ctx context.Context, username string, at time.Time) error
	Delete(ctx context.Context, username string) error
}

// RoleRecordStore manages the operator and personnel projections.
type RoleRecordStore interface {
	Get(ctx context.Context, username string) (*RoleRecord, error)
	Put(ctx context.Context, rec *RoleRecord) error
	// Delete removes every projection for username.
	Delete(ctx context.Context, username string) error
	ListByRole(ctx context.Context, role Role) ([]*RoleRecord, error)
	CountByRole(ctx context.Context, role Role) (int, error)
}

// SequenceStore provides atomic counters and surrogate key maintenance.
type SequenceStore interface {
	Next(ctx context.Context, name string) (int64, error)
	// Compact renumbers table's surrogate keys 1..N and resets its counter to N.
	Compact(ctx context.Context, table string) (int64, error)
}

// LockoutStore manages lockout counters on identities and the lockout history.
type LockoutStore interface {
	State(ctx context.Context, username string) (LockoutState, error)
	// IncrementFailures atomically adds one to the counter and returns the new value.
	IncrementFailures(ctx context.Context, username string) (int, error)
	Lock(ctx context.Context, username string, until time.Time, failed int, reason string) error
	Unlock(ctx context.Context, username string) error
	History(ctx context.Context, username string) ([]*LockoutRecord, error)
	DeleteHistory(ctx context.Context, username string) error
}

// LoginAttemptStore appends and reads authentication facts.
type LoginAttemptStore interface {
	Append(ctx context.Context, a *LoginAttempt) error
	// List returns the newest attempts first; empty username lists all.
	List(ctx context.Context, username string, limit int) ([]*LoginAttempt, error)
	Stats(ctx context.Context, username string) (LoginStats, error)
	DeleteByUsername(ctx context.Context, username string) error
}

// RefreshTokenStore manages refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	Find(ctx context.Context, tokenID string) (*RefreshTokenRecord, error)
	// Revoke deactivates tokenID. Missing or inactive records are not an error.
	Revoke(ctx context.Context, tokenID string, at time.Time) error
	RevokeAllForUser(ctx context.Context, username string, at time.Time) (int, error)
	// ListActive returns active, unexpired records; empty username lists all.
	ListActive(ctx context.Context, username string, now time.Time) ([]*RefreshTokenRecord, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
	DeleteByUsername(ctx context.Context, username string) error
}

// AdminActionStore appends and reads audit facts.
type AdminActionStore interface {
	Append(ctx context.Context, a *AdminAction) error
	List(ctx context.Context, limit int) ([]*AdminAction, error)
	DeleteByTarget(ctx context.Context, username string) error
}

// Tables whose surrogate keys Compact can renumber.
const (
	TableIdentities    = "users"
	TableOperators     = "operators"
	TablePersonnel     = "personnel"
	TableLoginAttempts = "login_attempts"
	TableAdminActions  = "admin_actions"
	TableLockouts      = "user_lockouts"
)

// CompactableTables lists the tables accepted by SequenceStore.Compact.
var CompactableTables = []string{
	TableIdentities, TableOperators, TablePersonnel, TableLoginAttempts, TableAdminActions, TableLockouts,
}
