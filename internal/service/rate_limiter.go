package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"almans/internal/kvstore"
	"almans/internal/models"
	"almans/internal/util"

	"go.uber.org/zap"
)

const rateLimitKey = "rate_limit"

// RateLimitPolicy configures login lockout
type RateLimitPolicy struct {
	MaxAttempts int
	Lockout     time.Duration
	IdleReset   time.Duration
}

// DefaultRateLimitPolicy allows 5 failures, locks for 15 minutes and forgets
// failures after 30 idle minutes.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{
		MaxAttempts: 5,
		Lockout:     15 * time.Minute,
		IdleReset:   30 * time.Minute,
	}
}

// RateLimiter tracks failed logins on this device and enforces a timed
// lockout. State is kept in the store and re-derived on every read, so a
// stale lockout record heals itself once it has expired.
//
// Instances sharing one store are not coordinated; the last write wins.
type RateLimiter struct {
	mu        sync.Mutex
	store     kvstore.Store
	policy    RateLimitPolicy
	logger    *zap.Logger
	now       Clock
	onLockout func(ctx context.Context, until time.Time)
}

// NewRateLimiter creates a rate limiter over store
func NewRateLimiter(store kvstore.Store, policy RateLimitPolicy, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// OnLockout registers a callback fired when a lockout starts
func (rl *RateLimiter) OnLockout(fn func(ctx context.Context, until time.Time)) {
	rl.mu.Lock()
	rl.onLockout = fn
	rl.mu.Unlock()
}

// RecordFailedAttempt counts a failed login and reports whether the device is
// now locked. Failures while already locked do not extend the lockout.
func (rl *RateLimiter) RecordFailedAttempt(ctx context.Context) bool {
	rl.mu.Lock()

	now := rl.now()
	state := rl.current(ctx, now)

	if isLocked(state, now) {
		rl.mu.Unlock()
		return true
	}

	state.Attempts++
	state.LastAttempt = &now
	util.LoginFailuresTotal.Inc()

	locked := false
	if state.Attempts >= rl.policy.MaxAttempts {
		until := now.Add(rl.policy.Lockout)
		state.LockoutUntil = &until
		locked = true
		util.LoginLockoutsTotal.Inc()
		rl.logger.Warn("Login locked out",
			zap.Int("attempts", state.Attempts),
			zap.Time("until", until))
	}

	rl.save(ctx, state)
	cb := rl.onLockout
	rl.mu.Unlock()

	if locked && cb != nil {
		cb(ctx, *state.LockoutUntil)
	}
	return locked
}

// RecordSuccessfulLogin clears all failure history
func (rl *RateLimiter) RecordSuccessfulLogin(ctx context.Context) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.save(ctx, models.RateLimitState{})
}

// IsLocked reports whether login is currently denied
func (rl *RateLimiter) IsLocked(ctx context.Context) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return isLocked(rl.current(ctx, now), now)
}

// RemainingLockout is the time left before login is allowed again, zero when unlocked
func (rl *RateLimiter) RemainingLockout(ctx context.Context) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	state := rl.current(ctx, now)
	if !isLocked(state, now) {
		return 0
	}
	return state.LockoutUntil.Sub(now)
}

// RemainingLockoutMs is RemainingLockout in milliseconds
func (rl *RateLimiter) RemainingLockoutMs(ctx context.Context) int64 {
	return rl.RemainingLockout(ctx).Milliseconds()
}

// AttemptsRemaining is how many more failures are allowed before lockout
func (rl *RateLimiter) AttemptsRemaining(ctx context.Context) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	state := rl.current(ctx, now)
	if isLocked(state, now) {
		return 0
	}
	if left := rl.policy.MaxAttempts - state.Attempts; left > 0 {
		return left
	}
	return 0
}

// State returns the derived state as currently persisted
func (rl *RateLimiter) State(ctx context.Context) models.RateLimitState {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.current(ctx, rl.now())
}

func isLocked(state models.RateLimitState, now time.Time) bool {
	return state.LockoutUntil != nil && now.Before(*state.LockoutUntil)
}

// current loads the stored state and applies lockout expiry and idle reset.
// A healed state is written back. Must be called with mu held.
func (rl *RateLimiter) current(ctx context.Context, now time.Time) models.RateLimitState {
	state, ok := rl.load(ctx)
	if !ok {
		return models.RateLimitState{}
	}

	switch {
	case state.LockoutUntil != nil && !now.Before(*state.LockoutUntil):
		rl.logger.Debug("Lockout expired, resetting attempts")
		state = models.RateLimitState{}
		rl.save(ctx, state)
	case state.LockoutUntil == nil && state.LastAttempt != nil && now.Sub(*state.LastAttempt) > rl.policy.IdleReset:
		rl.logger.Debug("Attempts idle past reset window, resetting")
		state = models.RateLimitState{}
		rl.save(ctx, state)
	}

	return state
}

func (rl *RateLimiter) load(ctx context.Context) (models.RateLimitState, bool) {
	var state models.RateLimitState

	raw, err := rl.store.Get(ctx, rateLimitKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return state, false
	}
	if err != nil {
		util.StorageErrorsTotal.WithLabelValues("read").Inc()
		rl.logger.Debug("Failed to read rate limit state", zap.Error(err))
		return state, false
	}

	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		rl.logger.Debug("Discarding corrupt rate limit state", zap.Error(err))
		return models.RateLimitState{}, false
	}
	if state.Attempts < 0 {
		state.Attempts = 0
	}
	return state, true
}

func (rl *RateLimiter) save(ctx context.Context, state models.RateLimitState) {
	raw, err := json.Marshal(state)
	if err != nil {
		rl.logger.Debug("Failed to encode rate limit state", zap.Error(err))
		return
	}
	if err := rl.store.Set(ctx, rateLimitKey, string(raw)); err != nil {
		util.StorageErrorsTotal.WithLabelValues("write").Inc()
		rl.logger.Debug("Failed to persist rate limit state", zap.Error(err))
	}
}
