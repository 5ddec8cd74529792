package auth

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// Profile is an identity together with its role-scoped record, if any.
type Profile struct {
	Identity   *Identity   `json:"identity"`
	RoleRecord *RoleRecord `json:"role_record,omitempty"`
}

func (s *Service) identity(ctx context.Context, username string) (*Identity, error) {
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Identities().Get(ctx, username)
}

func (s *Service) profile(ctx context.Context, id *Identity) (*Profile, error) {
	p := &Profile{Identity: id}
	if !id.Role.HasProjection() {
		return p, nil
	}
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	rec, err := s.store.RoleRecords().Get(ctx, id.Username)
	switch {
	case IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		p.RoleRecord = rec
	}
	return p, nil
}

// Me returns the profile of the calling principal.
func (s *Service) Me(ctx context.Context, p Principal) (*Profile, error) {
	id, err := s.identity(ctx, p.Username)
	if err != nil {
		return nil, err
	}
	return s.profile(ctx, id)
}

// IdentityByEmployeeID resolves an employee id to its profile.
func (s *Service) IdentityByEmployeeID(ctx context.Context, actor Actor, employeeID string) (*Profile, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return nil, invalid("employee_id", "is required")
	}
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	id, err := s.store.Identities().GetByEmployeeID(sctx, employeeID)
	cancel()
	if err != nil {
		return nil, err
	}
	return s.profile(ctx, id)
}

// UserSummary merges a directory entry with its metadata row.
type UserSummary struct {
	Username           string     `json:"username"`
	FullName           string     `json:"full_name"`
	Email              string     `json:"email,omitempty"`
	Role               Role       `json:"role"`
	AuthorizationLevel int        `json:"authorization_level"`
	EmployeeID         string     `json:"employee_id,omitempty"`
	Synced             bool       `json:"synced"`
	LoginCount         int        `json:"login_count"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	IsLocked           bool       `json:"is_locked"`
}

// ListUsers lists every directory identity with its metadata. Entries never
// synced are reported with Synced=false.
func (s *Service) ListUsers(ctx context.Context, actor Actor) ([]*UserSummary, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	rows, err := s.store.Identities().List(sctx)
	cancel()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Identity, len(rows))
	for _, r := range rows {
		byName[r.Username] = r
	}

	out := make([]*UserSummary, 0, len(users))
	for _, u := range users {
		sum := &UserSummary{
			Username:           u.Username,
			FullName:           u.FullName,
			Email:              u.Email,
			Role:               ParseRole(u.Role),
			AuthorizationLevel: u.AuthorizationLevel,
			EmployeeID:         u.EmployeeID,
		}
		if id, ok := byName[u.Username]; ok {
			sum.Synced = true
			sum.AuthorizationLevel = id.AuthorizationLevel
			sum.EmployeeID = id.EmployeeID
			sum.LoginCount = id.LoginCount
			sum.LastLoginAt = id.LastLoginAt
			sum.IsLocked = id.IsLocked
		}
		if sum.AuthorizationLevel == 0 {
			sum.AuthorizationLevel = sum.Role.DefaultAuthorizationLevel()
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// TeamView is what a principal may see of the other role.
type TeamView struct {
	Personnel     []*RoleRecord `json:"personnel,omitempty"`
	OperatorCount *int          `json:"operator_count,omitempty"`
}

// Team returns the personnel list to admins and operators, and the operator
// count to personnel.
func (s *Service) Team(ctx context.Context, p Principal) (*TeamView, error) {
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	switch p.Role {
	case RoleAdmin, RoleOperator:
		recs, err := s.store.RoleRecords().ListByRole(ctx, RolePersonnel)
		if err != nil {
			return nil, err
		}
		return &TeamView{Personnel: recs}, nil
	case RolePersonnel:
		n, err := s.store.RoleRecords().CountByRole(ctx, RoleOperator)
		if err != nil {
			return nil, err
		}
		return &TeamView{OperatorCount: &n}, nil
	default:
		return nil, ErrForbidden
	}
}

// UserStats is the admin view of one identity's activity.
type UserStats struct {
	Identity       *Identity        `json:"identity"`
	Logins         LoginStats       `json:"login_stats"`
	ActiveSessions int              `json:"active_sessions"`
	Lockouts       []*LockoutRecord `json:"lockouts"`
}

// UserStats aggregates login attempts, sessions and lockout history for username.
func (s *Service) UserStats(ctx context.Context, actor Actor, username string) (*UserStats, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	id, err := s.identity(ctx, username)
	if err != nil {
		return nil, err
	}
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	stats, err := s.store.LoginAttempts().Stats(sctx, username)
	if err != nil {
		return nil, err
	}
	history, err := s.store.Lockouts().History(sctx, username)
	if err != nil {
		return nil, err
	}
	active, err := s.tokens.ListActive(ctx, username)
	if err != nil {
		return nil, err
	}
	return &UserStats{Identity: id, Logins: stats, ActiveSessions: len(active), Lockouts: history}, nil
}

// LoginAttempts lists the newest attempts; empty username lists all.
func (s *Service) LoginAttempts(ctx context.Context, actor Actor, username string, limit int) ([]*LoginAttempt, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.LoginAttempts().List(ctx, strings.TrimSpace(username), clampLimit(limit))
}

// AdminActions lists the newest admin actions.
func (s *Service) AdminActions(ctx context.Context, actor Actor, limit int) ([]*AdminAction, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.AdminActions().List(ctx, clampLimit(limit))
}

// SyncFromDirectory seeds the metadata store from a full directory listing.
func (s *Service) SyncFromDirectory(ctx context.Context, actor Actor) (BulkSyncResult, error) {
	if err := requireAdmin(actor); err != nil {
		return BulkSyncResult{}, err
	}
	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return BulkSyncResult{}, err
	}
	inputs := make([]SyncInput, 0, len(users))
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		inputs = append(inputs, fromDirectoryUser(u))
	}
	res, err := s.sync.BulkSync(ctx, inputs)
	s.recordAction(ctx, actor, ActionSyncDirectory, "", map[string]any{
		"synced": res.Synced,
		"failed": res.Failed,
	})
	return res, err
}

// Compact renumbers the surrogate keys of table.
func (s *Service) Compact(ctx context.Context, actor Actor, table string) (int64, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	n, err := s.ids.Compact(ctx, s.store.Sequences(), table)
	if err != nil {
		return 0, err
	}
	s.recordAction(ctx, actor, ActionCompactTable, "", map[string]any{"table": table, "rows": n})
	return n, nil
}

// CleanupExpiredTokens deactivates expired refresh tokens.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (int, error) {
	return s.tokens.CleanupExpired(ctx)
}
