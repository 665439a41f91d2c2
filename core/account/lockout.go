package account

import (
	"time"

	"github.com/talimhub/talim/core"
)

// LockoutPolicy governs the Active -> Locked -> Active state machine applied
// to consecutive credential failures. The lock is a flat window: once
// locked-until passes, the account is implicitly active again with a zeroed
// counter; there is no exponential backoff and no explicit unlock step.
//
// The policy itself is pure data; the counter increment and the lock
// transition are applied atomically by Repository.RecordLoginFailure.
type LockoutPolicy struct {
	Limit  int           // consecutive failures before locking
	Window time.Duration // lock duration once the limit is reached
}

func NewLockoutPolicy(conf *core.Config) LockoutPolicy {
	return LockoutPolicy{
		Limit:  conf.Auth.FailedLoginLimit,
		Window: conf.Auth.LockoutWindow,
	}
}

// Apply records one credential failure against the given state and returns
// the updated counter and lock deadline. It is the single source of truth for
// the transition; repositories fold this logic into their atomic update.
func (p LockoutPolicy) Apply(failedLogins int, now time.Time) (int, *time.Time) {
	failedLogins++
	if failedLogins >= p.Limit {
		until := now.Add(p.Window)
		return 0, &until // counter resets on entry to Locked
	}
	return failedLogins, nil
}
