package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

// SessionState holds the state consulted on the authentication hot path:
// lockout counters and refresh token records.
type SessionState interface {
	LockoutState(ctx context.Context, username string) (LockoutState, error)
	IncrementFailures(ctx context.Context, username string) (int, error)
	Lock(ctx context.Context, username string, until time.Time, failed int) error
	Unlock(ctx context.Context, username string) error

	CreateRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error
	FindRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error)
	RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, username string, at time.Time) (int, error)
}

// storeState is the durable SessionState backed by the metadata store.
// Every call is bounded by timeout when it is positive.
type storeState struct {
	store   Store
	timeout time.Duration
}

// NewStoreState returns the store-backed SessionState.
func NewStoreState(store Store, timeout time.Duration) SessionState {
	return &storeState{store: store, timeout: timeout}
}

func (s *storeState) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.timeout)
}

func (s *storeState) LockoutState(ctx context.Context, username string) (LockoutState, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.Lockouts().State(ctx, username)
}

func (s *storeState) IncrementFailures(ctx context.Context, username string) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.Lockouts().IncrementFailures(ctx, username)
}

func (s *storeState) Lock(ctx context.Context, username string, until time.Time, failed int) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.Lockouts().Lock(ctx, username, until, failed, "failed_attempts")
}

func (s *storeState) Unlock(ctx context.Context, username string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.Lockouts().Unlock(ctx, username)
}

func (s *storeState) CreateRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.RefreshTokens().Create(ctx, rec)
}

func (s *storeState) FindRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.RefreshTokens().Find(ctx, tokenID)
}

func (s *storeState) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.RefreshTokens().Revoke(ctx, tokenID, at)
}

func (s *storeState) RevokeUserRefreshTokens(ctx context.Context, username string, at time.Time) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.RefreshTokens().RevokeAllForUser(ctx, username, at)
}

const (
	lockoutKeyPrefix = "lockout:"
	refreshKeyPrefix = "refresh:"
)

// DegradedCache is the in-memory SessionState used while the store is
// unavailable. It lives for the process lifetime and is never persisted.
//
// Refresh tokens created or revoked while the store is down are also kept
// as pending writes until ResilientState replays them.
type DegradedCache struct {
	mu sync.Mutex
	c  *cache.Cache

	created       map[string]*RefreshTokenRecord
	revokedTokens map[string]time.Time
	revokedUsers  map[string]time.Time
}

// NewDegradedCache creates a cache whose entries expire after ttl.
func NewDegradedCache(ttl time.Duration) *DegradedCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DegradedCache{
		c:             cache.New(ttl, ttl),
		created:       make(map[string]*RefreshTokenRecord),
		revokedTokens: make(map[string]time.Time),
		revokedUsers:  make(map[string]time.Time),
	}
}

func (d *DegradedCache) LockoutState(_ context.Context, username string) (LockoutState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockout(username), nil
}

func (d *DegradedCache) lockout(username string) LockoutState {
	if v, ok := d.c.Get(lockoutKeyPrefix + username); ok {
		return v.(LockoutState)
	}
	return LockoutState{}
}

func (d *DegradedCache) putLockout(username string, st LockoutState) {
	d.mu.Lock()
	d.c.SetDefault(lockoutKeyPrefix+username, st)
	d.mu.Unlock()
}

func (d *DegradedCache) setFailures(username string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.lockout(username)
	st.FailedAttempts = n
	d.c.SetDefault(lockoutKeyPrefix+username, st)
}

func (d *DegradedCache) IncrementFailures(_ context.Context, username string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.lockout(username)
	st.FailedAttempts++
	d.c.SetDefault(lockoutKeyPrefix+username, st)
	return st.FailedAttempts, nil
}

func (d *DegradedCache) Lock(_ context.Context, username string, until time.Time, failed int) error {
	d.putLockout(username, LockoutState{FailedAttempts: failed, IsLocked: true, LockoutUntil: &until})
	return nil
}

func (d *DegradedCache) Unlock(_ context.Context, username string) error {
	d.mu.Lock()
	d.c.Delete(lockoutKeyPrefix + username)
	d.mu.Unlock()
	return nil
}

func (d *DegradedCache) CreateRefreshToken(_ context.Context, rec *RefreshTokenRecord) error {
	cp := *rec
	d.mu.Lock()
	d.c.SetDefault(refreshKeyPrefix+rec.TokenID, &cp)
	d.mu.Unlock()
	return nil
}

func (d *DegradedCache) FindRefreshToken(_ context.Context, tokenID string) (*RefreshTokenRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.c.Get(refreshKeyPrefix + tokenID)
	if !ok {
		if at, revoked := d.revokedTokens[tokenID]; revoked {
			return &RefreshTokenRecord{TokenID: tokenID, RevokedAt: &at}, nil
		}
		return nil, ErrNotFound
	}
	cp := *v.(*RefreshTokenRecord)
	d.applyRevocations(&cp)
	return &cp, nil
}

func (d *DegradedCache) RevokeRefreshToken(_ context.Context, tokenID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.c.Get(refreshKeyPrefix + tokenID); ok {
		revoke(v.(*RefreshTokenRecord), at)
	}
	if rec, ok := d.created[tokenID]; ok {
		revoke(rec, at)
	}
	return nil
}

func (d *DegradedCache) RevokeUserRefreshTokens(_ context.Context, username string, at time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, item := range d.c.Items() {
		rec, ok := item.Object.(*RefreshTokenRecord)
		if !ok || rec.Username != username || !rec.IsActive {
			continue
		}
		revoke(rec, at)
		n++
	}
	for _, rec := range d.created {
		if rec.Username == username {
			revoke(rec, at)
		}
	}
	return n, nil
}

// applyRevocations marks rec revoked when a pending revocation covers it.
// The caller holds d.mu.
func (d *DegradedCache) applyRevocations(rec *RefreshTokenRecord) {
	if at, ok := d.revokedTokens[rec.TokenID]; ok {
		revoke(rec, at)
		return
	}
	if at, ok := d.revokedUsers[rec.Username]; ok && !rec.IssuedAt.After(at) {
		revoke(rec, at)
	}
}

func (d *DegradedCache) markCreated(rec *RefreshTokenRecord) {
	cp := *rec
	d.mu.Lock()
	d.created[rec.TokenID] = &cp
	d.mu.Unlock()
}

func (d *DegradedCache) markRevoked(tokenID string, at time.Time) {
	d.mu.Lock()
	d.revokedTokens[tokenID] = at
	d.mu.Unlock()
}

func (d *DegradedCache) markUserRevoked(username string, at time.Time) {
	d.mu.Lock()
	if prev, ok := d.revokedUsers[username]; !ok || at.After(prev) {
		d.revokedUsers[username] = at
	}
	d.mu.Unlock()
}

// pendingWrites is a snapshot of the writes the store has not seen yet.
type pendingWrites struct {
	created       []RefreshTokenRecord
	revokedTokens map[string]time.Time
	revokedUsers  map[string]time.Time
}

func (p pendingWrites) empty() bool {
	return len(p.created) == 0 && len(p.revokedTokens) == 0 && len(p.revokedUsers) == 0
}

func (d *DegradedCache) pending() pendingWrites {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.created) == 0 && len(d.revokedTokens) == 0 && len(d.revokedUsers) == 0 {
		return pendingWrites{}
	}
	p := pendingWrites{
		revokedTokens: make(map[string]time.Time, len(d.revokedTokens)),
		revokedUsers:  make(map[string]time.Time, len(d.revokedUsers)),
	}
	for _, rec := range d.created {
		p.created = append(p.created, *rec)
	}
	for id, at := range d.revokedTokens {
		p.revokedTokens[id] = at
	}
	for u, at := range d.revokedUsers {
		p.revokedUsers[u] = at
	}
	return p
}

func (d *DegradedCache) forgetCreated(tokenID string) {
	d.mu.Lock()
	delete(d.created, tokenID)
	d.mu.Unlock()
}

func (d *DegradedCache) forgetRevoked(tokenID string, at time.Time) {
	d.mu.Lock()
	if cur, ok := d.revokedTokens[tokenID]; ok && cur.Equal(at) {
		delete(d.revokedTokens, tokenID)
	}
	d.mu.Unlock()
}

func (d *DegradedCache) forgetUserRevoked(username string, at time.Time) {
	d.mu.Lock()
	if cur, ok := d.revokedUsers[username]; ok && cur.Equal(at) {
		delete(d.revokedUsers, username)
	}
	d.mu.Unlock()
}

func revoke(rec *RefreshTokenRecord, at time.Time) {
	if !rec.IsActive {
		return
	}
	rec.IsActive = false
	rec.RevokedAt = &at
}

// ResilientState serves SessionState from the primary and switches to the
// fallback for any call that fails with ErrUnavailable. Successful primary
// writes are mirrored into the fallback so it can answer during an outage.
//
// Refresh token writes that only reached the fallback are replayed to the
// primary the next time it answers a refresh token call. Until then pending
// revocations are applied to every record the primary returns.
type ResilientState struct {
	primary  SessionState
	fallback *DegradedCache
	log      *logrus.Entry
}

var _ SessionState = (*ResilientState)(nil)

// NewResilientState wraps primary with fallback.
func NewResilientState(primary SessionState, fallback *DegradedCache) *ResilientState {
	return &ResilientState{
		primary:  primary,
		fallback: fallback,
		log:      obs.Logger().WithField("component", "session_state"),
	}
}

func (r *ResilientState) degrade(op string, err error) {
	obs.DegradedFallbacks.WithLabelValues(op).Inc()
	r.log.WithError(err).WithField("op", op).Warn("metadata store unavailable, using degraded cache")
}

// replay pushes pending refresh token writes to the primary. User-wide
// revocations go first so records created after them stay active. It
// reports whether anything was written.
func (r *ResilientState) replay(ctx context.Context) bool {
	p := r.fallback.pending()
	if p.empty() {
		return false
	}
	wrote := false
	for username, at := range p.revokedUsers {
		if _, err := r.primary.RevokeUserRefreshTokens(ctx, username, at); err != nil {
			r.log.WithError(err).WithField("username", username).Warn("replay revoke all failed")
			continue
		}
		r.fallback.forgetUserRevoked(username, at)
		wrote = true
	}
	for i := range p.created {
		rec := &p.created[i]
		if err := r.primary.CreateRefreshToken(ctx, rec); err != nil && !errors.Is(err, ErrAlreadyExists) {
			r.log.WithError(err).WithField("token_id", rec.TokenID).Warn("replay refresh token failed")
			continue
		}
		r.fallback.forgetCreated(rec.TokenID)
		wrote = true
	}
	for tokenID, at := range p.revokedTokens {
		if err := r.primary.RevokeRefreshToken(ctx, tokenID, at); err != nil && !IsNotFound(err) {
			r.log.WithError(err).WithField("token_id", tokenID).Warn("replay revoke failed")
			continue
		}
		r.fallback.forgetRevoked(tokenID, at)
		wrote = true
	}
	if wrote {
		r.log.Info("replayed refresh token writes from degraded cache")
	}
	return wrote
}

func (r *ResilientState) LockoutState(ctx context.Context, username string) (LockoutState, error) {
	st, err := r.primary.LockoutState(ctx, username)
	switch {
	case IsUnavailable(err):
		r.degrade("lockout_state", err)
		return r.fallback.LockoutState(ctx, username)
	case err == nil:
		r.fallback.putLockout(username, st)
	}
	return st, err
}

func (r *ResilientState) IncrementFailures(ctx context.Context, username string) (int, error) {
	n, err := r.primary.IncrementFailures(ctx, username)
	switch {
	case IsUnavailable(err):
		r.degrade("increment_failures", err)
		return r.fallback.IncrementFailures(ctx, username)
	case err == nil:
		r.fallback.setFailures(username, n)
	}
	return n, err
}

func (r *ResilientState) Lock(ctx context.Context, username string, until time.Time, failed int) error {
	err := r.primary.Lock(ctx, username, until, failed)
	if IsUnavailable(err) {
		r.degrade("lock", err)
	} else if err != nil {
		return err
	}
	return r.fallback.Lock(ctx, username, until, failed)
}

func (r *ResilientState) Unlock(ctx context.Context, username string) error {
	err := r.primary.Unlock(ctx, username)
	if IsUnavailable(err) {
		r.degrade("unlock", err)
		err = nil
	} else if err != nil && !IsNotFound(err) {
		return err
	}
	_ = r.fallback.Unlock(ctx, username)
	return err
}

func (r *ResilientState) CreateRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error {
	r.replay(ctx)
	err := r.primary.CreateRefreshToken(ctx, rec)
	if IsUnavailable(err) {
		r.degrade("create_refresh_token", err)
		r.fallback.markCreated(rec)
	} else if err != nil {
		return err
	}
	return r.fallback.CreateRefreshToken(ctx, rec)
}

func (r *ResilientState) FindRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error) {
	rec, err := r.primary.FindRefreshToken(ctx, tokenID)
	if IsUnavailable(err) {
		r.degrade("find_refresh_token", err)
		cached, cerr := r.fallback.FindRefreshToken(ctx, tokenID)
		if IsNotFound(cerr) {
			return nil, fmt.Errorf("refresh token %s not in degraded cache: %w", tokenID, err)
		}
		return cached, cerr
	}
	if r.replay(ctx) {
		rec, err = r.primary.FindRefreshToken(ctx, tokenID)
	}
	if err != nil {
		return nil, err
	}
	r.fallback.mu.Lock()
	r.fallback.applyRevocations(rec)
	r.fallback.mu.Unlock()
	_ = r.fallback.CreateRefreshToken(ctx, rec)
	return rec, nil
}

func (r *ResilientState) RevokeRefreshToken(ctx context.Context, tokenID string, at time.Time) error {
	err := r.primary.RevokeRefreshToken(ctx, tokenID, at)
	if IsUnavailable(err) {
		r.degrade("revoke_refresh_token", err)
		r.fallback.markRevoked(tokenID, at)
	} else if err != nil {
		return err
	}
	return r.fallback.RevokeRefreshToken(ctx, tokenID, at)
}

func (r *ResilientState) RevokeUserRefreshTokens(ctx context.Context, username string, at time.Time) (int, error) {
	n, err := r.primary.RevokeUserRefreshTokens(ctx, username, at)
	if IsUnavailable(err) {
		r.degrade("revoke_user_refresh_tokens", err)
		r.fallback.markUserRevoked(username, at)
		return r.fallback.RevokeUserRefreshTokens(ctx, username, at)
	} else if err != nil {
		return 0, err
	}
	_, _ = r.fallback.RevokeUserRefreshTokens(ctx, username, at)
	return n, nil
}
