package account

import (
	"testing"
	"time"
)

func TestLockoutPolicy_Apply(t *testing.T) {
	policy := LockoutPolicy{Limit: 5, Window: 15 * time.Minute}
	now := time.Now().UTC()

	tests := []struct {
		name       string
		failed     int
		wantFailed int
		wantLocked bool
	}{
		{name: "first failure", failed: 0, wantFailed: 1},
		{name: "below limit", failed: 3, wantFailed: 4},
		{name: "reaches limit", failed: 4, wantFailed: 0, wantLocked: true},
		{name: "already past limit", failed: 7, wantFailed: 0, wantLocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotFailed, gotUntil := policy.Apply(tt.failed, now)
			if gotFailed != tt.wantFailed {
				t.Errorf("Apply() failed = %d, want %d", gotFailed, tt.wantFailed)
			}
			if tt.wantLocked {
				if gotUntil == nil {
					t.Fatal("Apply() did not lock")
				}
				if want := now.Add(policy.Window); !gotUntil.Equal(want) {
					t.Errorf("Apply() until = %v, want %v", gotUntil, want)
				}
			} else if gotUntil != nil {
				t.Errorf("Apply() until = %v, want nil", gotUntil)
			}
		})
	}
}
