package auth

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 30 * time.Second
)

// LockoutPolicy configures when a username becomes locked and for how long.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// LockoutStatus is the externally visible lockout state.
type LockoutStatus struct {
	IsLocked          bool `json:"is_locked"`
	RemainingSeconds  int  `json:"remaining_seconds"`
	FailedAttempts    int  `json:"failed_attempts"`
	RemainingAttempts int  `json:"remaining_attempts"`
}

// Lockout is the per-username Unlocked/Locked state machine. Expired locks
// are cleared lazily by Status.
type Lockout struct {
	state  SessionState
	policy LockoutPolicy
	now    func() time.Time
	log    *logrus.Entry
}

func newLockout(state SessionState, policy LockoutPolicy, now func() time.Time) *Lockout {
	return &Lockout{
		state:  state,
		policy: policy,
		now:    now,
		log:    obs.Logger().WithField("component", "lockout"),
	}
}

// Status reports the state for username, unlocking it if the lockout has elapsed.
func (l *Lockout) Status(ctx context.Context, username string) (LockoutStatus, error) {
	st, err := l.state.LockoutState(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			return l.status(LockoutState{}), nil
		}
		return LockoutStatus{}, err
	}
	if st.IsLocked && st.LockoutUntil != nil && !l.now().Before(*st.LockoutUntil) {
		if err := l.state.Unlock(ctx, username); err != nil {
			return LockoutStatus{}, err
		}
		l.log.WithField("username", username).Info("lockout expired")
		st = LockoutState{}
	}
	return l.status(st), nil
}

func (l *Lockout) status(st LockoutState) LockoutStatus {
	out := LockoutStatus{
		IsLocked:          st.IsLocked,
		FailedAttempts:    st.FailedAttempts,
		RemainingAttempts: l.RemainingAttempts(st.FailedAttempts),
	}
	if st.IsLocked && st.LockoutUntil != nil {
		out.RemainingSeconds = ceilSeconds(st.LockoutUntil.Sub(l.now()))
	}
	return out
}

// RecordFailure adds one failed attempt and reports whether this call locked the account.
func (l *Lockout) RecordFailure(ctx context.Context, username string) (bool, error) {
	_, locked, err := l.recordFailure(ctx, username)
	return locked, err
}

func (l *Lockout) recordFailure(ctx context.Context, username string) (int, bool, error) {
	n, err := l.state.IncrementFailures(ctx, username)
	if err != nil {
		return 0, false, err
	}
	if n < l.policy.Threshold {
		return n, false, nil
	}
	until := l.now().Add(l.policy.Duration)
	if err := l.state.Lock(ctx, username, until, n); err != nil {
		return n, false, err
	}
	obs.Lockouts.Inc()
	l.log.WithFields(logrus.Fields{
		"username":        username,
		"failed_attempts": n,
		"lockout_until":   until.UTC().Format(time.RFC3339),
	}).Warn("account locked")
	return n, true, nil
}

// RemainingAttempts returns how many failures remain before failed reaches the threshold.
func (l *Lockout) RemainingAttempts(failed int) int {
	return max(l.policy.Threshold-failed, 0)
}

// Reset clears the counter and any lock regardless of the current count.
func (l *Lockout) Reset(ctx context.Context, username string) error {
	err := l.state.Unlock(ctx, username)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Policy returns the configured policy.
func (l *Lockout) Policy() LockoutPolicy { return l.policy }
