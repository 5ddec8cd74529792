package auth

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"idsync.org/internal/directory"
)

const maxUsernameLength = 64

// CreateUserRequest describes a new directory identity.
type CreateUserRequest struct {
	Username           string
	Password           string
	FullName           string
	Email              string
	Role               string
	AuthorizationLevel int // zero selects the role default
}

// UserRecord summarizes the identity written by an admin operation.
type UserRecord struct {
	Username           string `json:"username"`
	Role               Role   `json:"role"`
	EmployeeID         string `json:"employee_id"`
	AuthorizationLevel int    `json:"authorization_level"`
}

// ParseExplicitRole accepts only the known role names.
func ParseExplicitRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleOperator, RolePersonnel, RoleUser:
		return r, nil
	}
	return "", invalid("role", "must be one of admin, operator, personnel, user")
}

func validateUsername(username string) error {
	if username == "" {
		return invalid("username", "is required")
	}
	if len(username) > maxUsernameLength {
		return invalid("username", "is too long")
	}
	for _, r := range username {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._-", r)) {
			return invalid("username", "may contain only letters, digits, '.', '_' and '-'")
		}
	}
	return nil
}

// CreateUser adds the identity to the directory and then syncs metadata.
// A SyncError return means the directory entry exists; the UserRecord is
// still returned.
func (s *Service) CreateUser(ctx context.Context, actor Actor, req CreateUserRequest) (*UserRecord, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(req.Username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	role, err := ParseExplicitRole(req.Role)
	if err != nil {
		return nil, err
	}
	level := req.AuthorizationLevel
	if level == 0 {
		level = role.DefaultAuthorizationLevel()
	} else if !validLevel(level) {
		return nil, invalid("authorization_level", "must be between 1 and 5")
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	employeeID, _ := s.ids.Next(sctx, s.store.Sequences(), role)
	cancel()

	err = s.dir.CreateUser(ctx, directory.NewUser{
		Username:           username,
		Password:           req.Password,
		FullName:           req.FullName,
		Email:              req.Email,
		Role:               string(role),
		EmployeeID:         employeeID,
		AuthorizationLevel: level,
	})
	if err != nil {
		return nil, err
	}

	rec := &UserRecord{Username: username, Role: role, EmployeeID: employeeID, AuthorizationLevel: level}
	_, syncErr := s.sync.UpsertIdentity(ctx, SyncInput{
		Username:           username,
		DirectoryRef:       s.dir.DN(username),
		FullName:           req.FullName,
		Email:              req.Email,
		Role:               role,
		AuthorizationLevel: level,
		EmployeeID:         employeeID,
	})
	s.recordAction(ctx, actor, ActionCreateUser, username, map[string]any{
		"role":                role,
		"employee_id":         employeeID,
		"authorization_level": level,
	})
	if syncErr != nil {
		s.warnSync(username, ActionCreateUser, syncErr)
		return rec, syncErr
	}
	return rec, nil
}

// DeleteUser removes username from the directory and then every metadata row.
func (s *Service) DeleteUser(ctx context.Context, actor Actor, username string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return invalid("username", "is required")
	}
	if username == actor.Username {
		return invalid("username", "cannot delete your own account")
	}
	if err := s.dir.DeleteUser(ctx, username); err != nil {
		return err
	}
	if _, err := s.tokens.RevokeAll(ctx, username); err != nil {
		s.log.WithError(err).WithField("username", username).Warn("revoke sessions of deleted user failed")
	}
	err := s.sync.RemoveIdentityCompletely(ctx, username)
	s.recordAction(ctx, actor, ActionDeleteUser, username, nil)
	if err != nil {
		s.warnSync(username, ActionDeleteUser, err)
		return &SyncError{Username: username, Op: ActionDeleteUser, Err: err}
	}
	return nil
}

// ChangeRole sets the directory role, then moves the metadata identity to the
// new role with a freshly allocated employee id.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, username, role string) (*UserRecord, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	newRole, err := ParseExplicitRole(role)
	if err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == actor.Username {
		return nil, invalid("username", "cannot change your own role")
	}
	user, err := s.dir.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := s.dir.SetRole(ctx, username, string(newRole), ""); err != nil {
		return nil, err
	}
	previous := ParseRole(user.Role)

	employeeID, err := s.sync.ChangeRole(ctx, username, newRole)
	if IsNotFound(err) {
		in := fromDirectoryUser(user)
		in.Role = newRole
		in.EmployeeID = ""
		var id *Identity
		if id, err = s.sync.upsert(ctx, in); err == nil {
			employeeID = id.EmployeeID
		}
	}
	s.recordAction(ctx, actor, ActionChangeRole, username, map[string]any{
		"old_role":    previous,
		"new_role":    newRole,
		"employee_id": employeeID,
	})
	if err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			err = &SyncError{Username: username, Op: ActionChangeRole, Err: err}
		}
		s.warnSync(username, ActionChangeRole, err)
		return nil, err
	}
	if err := s.dir.SetEmployeeID(ctx, username, employeeID); err != nil {
		s.log.WithError(err).WithField("username", username).Warn("write employee number to directory failed")
	}

	rec := &UserRecord{Username: username, Role: newRole, EmployeeID: employeeID}
	if id, err := s.identity(ctx, username); err == nil {
		rec.AuthorizationLevel = id.AuthorizationLevel
	}
	return rec, nil
}

// ChangeAuthorizationLevel writes level to the directory and then to the
// identity and its projection.
func (s *Service) ChangeAuthorizationLevel(ctx context.Context, actor Actor, username string, level int) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if !validLevel(level) {
		return invalid("authorization_level", "must be between 1 and 5")
	}
	username = strings.TrimSpace(username)
	user, err := s.dir.Lookup(ctx, username)
	if err != nil {
		return err
	}
	if err := s.dir.SetAuthorizationLevel(ctx, username, level); err != nil {
		return err
	}
	err = s.sync.SetAuthorizationLevel(ctx, username, level)
	if IsNotFound(err) {
		in := fromDirectoryUser(user)
		in.AuthorizationLevel = level
		_, err = s.sync.UpsertIdentity(ctx, in)
	}
	s.recordAction(ctx, actor, ActionChangeAuthLevel, username, map[string]any{
		"old_level": user.AuthorizationLevel,
		"new_level": level,
	})
	if err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			err = &SyncError{Username: username, Op: ActionChangeAuthLevel, Err: err}
		}
		s.warnSync(username, ActionChangeAuthLevel, err)
		return err
	}
	return nil
}

// ResetPassword replaces the directory password of username. When both
// password and confirm are empty a temporary password is generated and
// returned; otherwise the returned string is empty.
func (s *Service) ResetPassword(ctx context.Context, actor Actor, username, password, confirm string) (string, error) {
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", invalid("username", "is required")
	}
	generated := false
	if password == "" && confirm == "" {
		pw, err := GenerateTemporaryPassword()
		if err != nil {
			return "", err
		}
		password, confirm, generated = pw, pw, true
	}
	if password != confirm {
		return "", invalid("confirm_password", "does not match")
	}
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	if err := s.dir.SetPassword(ctx, username, password); err != nil {
		return "", err
	}
	s.recordAction(ctx, actor, ActionResetPassword, username, map[string]any{"generated": generated})
	if generated {
		return password, nil
	}
	return "", nil
}

// UnlockAccount clears the lockout of an existing directory user.
func (s *Service) UnlockAccount(ctx context.Context, actor Actor, username string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if _, err := s.dir.Lookup(ctx, username); err != nil {
		return err
	}
	if err := s.lockout.Reset(ctx, username); err != nil {
		return err
	}
	s.recordAction(ctx, actor, ActionUnlockAccount, username, nil)
	return nil
}

// RevokeUserSessions revokes every refresh token of username on behalf of an admin.
func (s *Service) RevokeUserSessions(ctx context.Context, actor Actor, username string) (int, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	n, err := s.tokens.RevokeAll(ctx, username)
	if err != nil {
		return 0, err
	}
	s.recordAction(ctx, actor, ActionRevokeAllSessions, username, map[string]any{"revoked": n})
	return n, nil
}

// ListActiveRefreshTokens lists active refresh tokens; empty username lists all.
func (s *Service) ListActiveRefreshTokens(ctx context.Context, actor Actor, username string) ([]*RefreshTokenRecord, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.tokens.ListActive(ctx, strings.TrimSpace(username))
}

func (s *Service) recordAction(ctx context.Context, actor Actor, action, target string, details map[string]any) {
	s.audit.RecordAction(ctx, &AdminAction{
		AdminUsername:  actor.Username,
		TargetUsername: target,
		ActionType:     action,
		Details:        details,
		IP:             actor.IP,
		CreatedAt:      s.now().UTC(),
	})
}

func (s *Service) warnSync(username, op string, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"username": username,
		"op":       op,
	}).Error("directory updated but metadata sync failed")
}
