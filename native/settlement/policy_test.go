package settlement

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPolicyDefaultsOnEmptyPath(t *testing.T) {
	policy, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	want := DefaultPolicy()
	if policy.Interval != want.Interval || policy.MaxAttempts != want.MaxAttempts {
		t.Fatalf("unexpected defaults: %+v", policy)
	}
	if policy.MinBackoff != want.MinBackoff || policy.MaxBackoff != want.MaxBackoff {
		t.Fatalf("unexpected backoff defaults: %+v", policy)
	}
}

func TestLoadPolicyParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	contents := `interval: 30s
maxAttempts: 7
minBackoff: 1s
maxBackoff: 2m
minAmount: "5000"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.Interval != 30*time.Second {
		t.Fatalf("unexpected interval: %s", policy.Interval)
	}
	if policy.MaxAttempts != 7 {
		t.Fatalf("unexpected max attempts: %d", policy.MaxAttempts)
	}
	if policy.MinBackoff != time.Second || policy.MaxBackoff != 2*time.Minute {
		t.Fatalf("unexpected backoff: %s/%s", policy.MinBackoff, policy.MaxBackoff)
	}
	if policy.MinAmount.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("unexpected min amount: %v", policy.MinAmount)
	}
}

func TestLoadPolicyRejectsInvalidMinAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	if err := os.WriteFile(path, []byte(`minAmount: "-5"`), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected error for negative minAmount")
	}
}

func TestBackoffDurationDoublesAndCaps(t *testing.T) {
	policy := Policy{MinBackoff: time.Second, MaxBackoff: 10 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}
