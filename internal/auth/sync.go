package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

// SyncInput is the directory view of one identity.
type SyncInput struct {
	Username           string
	DirectoryRef       string
	FullName           string
	Email              string
	Role               Role
	AuthorizationLevel int // zero keeps the current level, or the role default for new rows
	EmployeeID         string
}

// BulkSyncResult counts the outcome of BulkSync.
type BulkSyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Synchronizer reconciles directory identities into the metadata store.
// Directory writes are never rolled back here: a failed metadata write is
// reported as a SyncError and recovered by a later BulkSync.
type Synchronizer struct {
	store      Store
	ids        *EmployeeIDs
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	log        *logrus.Entry
}

func newSynchronizer(store Store, ids *EmployeeIDs) *Synchronizer {
	return &Synchronizer{
		store:      store,
		ids:        ids,
		newBackOff: defaultSyncBackOff,
		log:        obs.Logger().WithField("component", "sync"),
	}
}

func defaultSyncBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// UpsertIdentity inserts or updates the identity and enforces its
// role-scoped projection. It returns the identity row id.
func (s *Synchronizer) UpsertIdentity(ctx context.Context, in SyncInput) (int64, error) {
	id, err := s.upsert(ctx, in)
	if err != nil {
		return 0, err
	}
	return id.ID, nil
}

func (s *Synchronizer) upsert(ctx context.Context, in SyncInput) (*Identity, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, invalid("username", "is required")
	}
	if in.AuthorizationLevel != 0 && !validLevel(in.AuthorizationLevel) {
		return nil, invalid("authorization_level", "must be between 1 and 5")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	existing, err := s.store.Identities().Get(ctx, in.Username)
	if err != nil && !IsNotFound(err) {
		return nil, &SyncError{Username: in.Username, Op: "upsert_identity", Err: err}
	}
	row := &Identity{
		Username:           in.Username,
		DirectoryRef:       in.DirectoryRef,
		FullName:           in.FullName,
		Email:              in.Email,
		Role:               in.Role,
		AuthorizationLevel: in.AuthorizationLevel,
		EmployeeID:         in.EmployeeID,
	}
	sameRole := existing != nil && existing.Role == in.Role
	if row.AuthorizationLevel == 0 {
		if sameRole && validLevel(existing.AuthorizationLevel) {
			row.AuthorizationLevel = existing.AuthorizationLevel
		} else {
			row.AuthorizationLevel = in.Role.DefaultAuthorizationLevel()
		}
	}
	if row.EmployeeID == "" {
		if sameRole && existing.EmployeeID != "" {
			row.EmployeeID = existing.EmployeeID
		} else {
			// Allocated outside the transaction so a counter failure degrades
			// to the placeholder without aborting the write.
			row.EmployeeID, _ = s.ids.Next(ctx, s.store.Sequences(), in.Role)
		}
	}

	err = s.store.InTx(ctx, func(q Queries) error {
		id, err := q.Identities().Upsert(ctx, row)
		if err != nil {
			return err
		}
		row.ID = id
		return syncProjection(ctx, q, row)
	})
	if err != nil {
		return nil, &SyncError{Username: in.Username, Op: "upsert_identity", Err: err}
	}
	return row, nil
}

// syncProjection leaves at most one role-scoped record for id, matching id.Role.
func syncProjection(ctx context.Context, q Queries, id *Identity) error {
	rec, err := q.RoleRecords().Get(ctx, id.Username)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if rec != nil && rec.Role != id.Role {
		if err := q.RoleRecords().Delete(ctx, id.Username); err != nil {
			return err
		}
		rec = nil
	}
	if !id.Role.HasProjection() {
		return nil
	}
	next := &RoleRecord{
		Username:           id.Username,
		Role:               id.Role,
		EmployeeID:         id.EmployeeID,
		FullName:           id.FullName,
		AuthorizationLevel: id.AuthorizationLevel,
	}
	if rec != nil {
		next.ID = rec.ID
		next.Department = rec.Department
		next.Position = rec.Position
		next.CreatedAt = rec.CreatedAt
	}
	return q.RoleRecords().Put(ctx, next)
}

// ChangeRole moves username to role inside one transaction and returns the
// newly allocated employee id. The employee id is reallocated even when the
// role is unchanged.
func (s *Synchronizer) ChangeRole(ctx context.Context, username string, role Role) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var employeeID string
	err := s.store.InTx(ctx, func(q Queries) error {
		cur, err := q.Identities().Get(ctx, username)
		if err != nil {
			return err
		}
		employeeID, _ = s.ids.Next(ctx, q.Sequences(), role)
		if err := q.Identities().UpdateRole(ctx, username, role, employeeID); err != nil {
			return err
		}
		cur.Role = role
		cur.EmployeeID = employeeID
		return syncProjection(ctx, q, cur)
	})
	if err != nil {
		return "", fmt.Errorf("change role of %s: %w", username, err)
	}
	s.log.WithFields(logrus.Fields{
		"username":    username,
		"role":        role,
		"employee_id": employeeID,
	}).Info("role changed")
	return employeeID, nil
}

// SetAuthorizationLevel updates the identity and its projection together.
func (s *Synchronizer) SetAuthorizationLevel(ctx context.Context, username string, level int) error {
	if !validLevel(level) {
		return invalid("authorization_level", "must be between 1 and 5")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	return s.store.InTx(ctx, func(q Queries) error {
		if err := q.Identities().UpdateAuthorizationLevel(ctx, username, level); err != nil {
			return err
		}
		rec, err := q.RoleRecords().Get(ctx, username)
		switch {
		case IsNotFound(err):
			return nil
		case err != nil:
			return err
		}
		rec.AuthorizationLevel = level
		return q.RoleRecords().Put(ctx, rec)
	})
}

// RemoveIdentityCompletely deletes every row referencing username. Either
// all rows are removed or none are.
func (s *Synchronizer) RemoveIdentityCompletely(ctx context.Context, username string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.store.InTx(ctx, func(q Queries) error {
		steps := []struct {
			name string
			fn   func(context.Context, string) error
		}{
			{"login attempts", q.LoginAttempts().DeleteByUsername},
			{"refresh tokens", q.RefreshTokens().DeleteByUsername},
			{"admin actions", q.AdminActions().DeleteByTarget},
			{"lockout history", q.Lockouts().DeleteHistory},
			{"role records", q.RoleRecords().Delete},
			{"identity", q.Identities().Delete},
		}
		for _, step := range steps {
			if err := step.fn(ctx, username); err != nil {
				return fmt.Errorf("delete %s: %w", step.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", username, err)
	}
	s.log.WithField("username", username).Info("identity removed")
	return nil
}

// BulkSync upserts every input independently. Unavailable errors are
// retried with backoff; one failing element never aborts the batch. The
// returned error aggregates the per-element failures.
func (s *Synchronizer) BulkSync(ctx context.Context, inputs []SyncInput) (BulkSyncResult, error) {
	var (
		res  BulkSyncResult
		errs *multierror.Error
	)
	for _, in := range inputs {
		op := func() error {
			_, err := s.UpsertIdentity(ctx, in)
			if err != nil && !IsUnavailable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
			res.Failed++
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", in.Username, err))
			continue
		}
		res.Synced++
	}
	s.log.WithFields(logrus.Fields{"synced": res.Synced, "failed": res.Failed}).Info("bulk sync finished")
	return res, errs.ErrorOrNil()
}
