package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/directory"
	"idsync.org/internal/ids"
	"idsync.org/internal/obs"
)

const (
	defaultDirectoryTimeout = 5 * time.Second
	defaultStoreTimeout     = 3 * time.Second
	defaultDegradedTTL      = 15 * time.Minute
)

// Service exposes the login, token and administration operations.
type Service struct {
	dir     *dirClient
	store   Store
	state   SessionState
	tokens  *Tokens
	lockout *Lockout
	sync    *Synchronizer
	ids     *EmployeeIDs
	audit   Auditor
	now     func() time.Time
	log     *logrus.Entry

	accessTTL    time.Duration
	refreshTTL   time.Duration
	policy       LockoutPolicy
	dirTimeout   time.Duration
	storeTimeout time.Duration
	degraded     *DegradedCache
	syncBackOff  func() backoff.BackOff
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLockoutPolicy overrides the lockout threshold and duration.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold < 1 || p.Duration <= 0 {
			return fmt.Errorf("auth: invalid lockout policy %+v", p)
		}
		s.policy = p
		return nil
	}
}

// WithTimeouts bounds each directory and store call. Zero keeps the default.
func WithTimeouts(directory, store time.Duration) ServiceOption {
	return func(s *Service) error {
		if directory > 0 {
			s.dirTimeout = directory
		}
		if store > 0 {
			s.storeTimeout = store
		}
		return nil
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.audit = a
		}
		return nil
	}
}

// WithDegradedCache sets the fallback used while the store is unavailable.
func WithDegradedCache(c *DegradedCache) ServiceOption {
	return func(s *Service) error {
		if c != nil {
			s.degraded = c
		}
		return nil
	}
}

// WithSyncBackOff overrides the retry policy of BulkSync.
func WithSyncBackOff(fn func() backoff.BackOff) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.syncBackOff = fn
		}
		return nil
	}
}

// NewService wires the core around dir and store. secret seeds both token keys.
func NewService(dir Directory, store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if dir == nil || store == nil {
		return nil, errors.New("auth: directory and store are required")
	}
	svc := &Service{
		store:        store,
		now:          time.Now,
		log:          obs.Logger().WithField("component", "auth"),
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		policy:       LockoutPolicy{Threshold: DefaultLockoutThreshold, Duration: DefaultLockoutDuration},
		dirTimeout:   defaultDirectoryTimeout,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.audit == nil {
		svc.audit = newLogAuditor()
	}
	if svc.degraded == nil {
		svc.degraded = NewDegradedCache(defaultDegradedTTL)
	}

	svc.dir = &dirClient{dir: dir, timeout: svc.dirTimeout}
	svc.state = NewResilientState(NewStoreState(store, svc.storeTimeout), svc.degraded)
	svc.lockout = newLockout(svc.state, svc.policy, svc.now)
	svc.ids = newEmployeeIDs()
	svc.sync = newSynchronizer(store, svc.ids)
	svc.sync.timeout = svc.storeTimeout
	if svc.syncBackOff != nil {
		svc.sync.newBackOff = svc.syncBackOff
	}

	tokens, err := newTokens(secret, svc.state, store)
	if err != nil {
		return nil, err
	}
	tokens.accessTTL = svc.accessTTL
	tokens.refreshTTL = svc.refreshTTL
	tokens.now = svc.now
	tokens.timeout = svc.storeTimeout
	svc.tokens = tokens
	return svc, nil
}

// Tokens exposes the token lifecycle manager.
func (s *Service) Tokens() *Tokens { return s.tokens }

// Lockout exposes the lockout state machine.
func (s *Service) Lockout() *Lockout { return s.lockout }

// Synchronizer exposes the identity synchronizer.
func (s *Service) Synchronizer() *Synchronizer { return s.sync }

// SessionUser is the principal summary returned with tokens.
type SessionUser struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Session is the result of Login and Refresh. RefreshToken is empty on Refresh.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	User         SessionUser `json:"user"`
}

// Login authenticates username against the directory and issues a token pair.
// Existence is checked before the lockout, so unknown names are never locked.
func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid("username", "is required")
	}
	if password == "" {
		return nil, invalid("password", "is required")
	}
	log := s.log.WithFields(logrus.Fields{"username": username, "ip": meta.IP})

	user, err := s.dir.Lookup(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			s.recordAttempt(ctx, username, AttemptFailure, "user not found", "", meta)
			obs.LoginOutcomes.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}

	status, err := s.lockout.Status(ctx, username)
	if err != nil {
		return nil, err
	}
	if status.IsLocked {
		s.recordAttempt(ctx, username, AttemptFailure, "account locked", "", meta)
		obs.LoginOutcomes.WithLabelValues("locked").Inc()
		return nil, &LockedError{Username: username, Remaining: time.Duration(status.RemainingSeconds) * time.Second}
	}

	if err := s.dir.Authenticate(ctx, username, password); err != nil {
		if !errors.Is(err, ErrInvalidCredential) {
			return nil, err
		}
		return nil, s.loginFailed(ctx, user, meta)
	}

	if err := s.lockout.Reset(ctx, username); err != nil {
		log.WithError(err).Warn("reset lockout after login failed")
	}
	if _, err := s.sync.UpsertIdentity(ctx, fromDirectoryUser(user)); err != nil {
		log.WithError(err).Warn("metadata sync after login failed")
	}

	role := ParseRole(user.Role)
	sess, err := s.issueSession(ctx, username, role, meta)
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, username, AttemptSuccess, "", ids.NewSessionID(), meta)
	obs.LoginOutcomes.WithLabelValues("success").Inc()

	if n, err := s.tokens.CleanupExpired(ctx); err != nil {
		log.WithError(err).Debug("refresh token cleanup skipped")
	} else if n > 0 {
		log.WithField("deactivated", n).Info("expired refresh tokens deactivated")
	}
	log.WithField("role", role).Info("login succeeded")
	return sess, nil
}

func (s *Service) loginFailed(ctx context.Context, user *directory.User, meta RequestMeta) error {
	username := user.Username
	failed, locked, err := s.lockout.recordFailure(ctx, username)
	if IsNotFound(err) {
		// First contact: the identity row must exist before it can be counted.
		if _, serr := s.sync.UpsertIdentity(ctx, fromDirectoryUser(user)); serr != nil {
			return serr
		}
		failed, locked, err = s.lockout.recordFailure(ctx, username)
	}
	if err != nil {
		return err
	}
	s.recordAttempt(ctx, username, AttemptFailure, "invalid credentials", "", meta)
	if locked {
		obs.LoginOutcomes.WithLabelValues("locked").Inc()
		return &LockedError{Username: username, Remaining: s.policy.Duration}
	}
	obs.LoginOutcomes.WithLabelValues("invalid_credentials").Inc()
	return &CredentialError{Username: username, RemainingAttempts: s.lockout.RemainingAttempts(failed)}
}

func (s *Service) issueSession(ctx context.Context, username string, role Role, meta RequestMeta) (*Session, error) {
	access, _, err := s.tokens.IssueAccess(username, role)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.tokens.IssueRefresh(ctx, username, meta)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.AccessTTL() / time.Second),
		User:         SessionUser{Username: username, Role: role},
	}, nil
}

func (s *Service) recordAttempt(ctx context.Context, username, kind, reason, sessionID string, meta RequestMeta) {
	s.audit.RecordLoginAttempt(ctx, &LoginAttempt{
		Username:     username,
		AttemptType:  kind,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		SessionID:    sessionID,
		ErrorMessage: reason,
		CreatedAt:    s.now().UTC(),
	})
}

// Refresh mints a new access token from a refresh token. The role is read
// from the directory again; the refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.dir.Lookup(ctx, claims.Subject)
	if err != nil {
		if IsNotFound(err) {
			_ = s.tokens.Revoke(ctx, claims.ID)
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	role := ParseRole(user.Role)
	access, _, err := s.tokens.IssueAccess(claims.Subject, role)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(s.tokens.AccessTTL() / time.Second),
		User:        SessionUser{Username: claims.Subject, Role: role},
	}, nil
}

// Logout revokes the given refresh token. Repeated calls succeed.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	id, err := s.tokens.TokenID(refreshToken)
	if err != nil {
		return err
	}
	return s.tokens.Revoke(ctx, id)
}

// LogoutAll revokes every active refresh token of username.
func (s *Service) LogoutAll(ctx context.Context, username string) (int, error) {
	n, err := s.tokens.RevokeAll(ctx, username)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"username": username, "revoked": n}).Info("all sessions revoked")
	return n, nil
}

// LockoutStatus reports the lockout state of an existing directory user.
func (s *Service) LockoutStatus(ctx context.Context, username string) (LockoutStatus, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return LockoutStatus{}, invalid("username", "is required")
	}
	if _, err := s.dir.Lookup(ctx, username); err != nil {
		return LockoutStatus{}, err
	}
	return s.lockout.Status(ctx, username)
}

// Authenticate resolves an access token into a Principal.
func (s *Service) Authenticate(_ context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Username: claims.Subject, Role: ParseRole(string(claims.Role))}, nil
}

// Ready reports whether both backends answer.
func (s *Service) Ready(ctx context.Context) error {
	var errs *multierror.Error
	if err := s.dir.Ping(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.Ping(sctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("store: %w", err))
	}
	return errs.ErrorOrNil()
}
