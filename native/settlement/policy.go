package settlement

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInterval    = time.Minute
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Duration wraps time.Duration so policy files can use human-readable values
// like "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses the duration from its string form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type policyFile struct {
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"maxAttempts"`
	MinBackoff  Duration `yaml:"minBackoff"`
	MaxBackoff  Duration `yaml:"maxBackoff"`
	MinAmount   string   `yaml:"minAmount"`
}

// Policy tunes the coordinator: how often it settles, how persistently it
// retries, and the smallest aggregate worth submitting.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MinAmount   *big.Int
}

// DefaultPolicy returns the built-in coordinator tuning.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    defaultInterval,
		MaxAttempts: defaultMaxAttempts,
		MinBackoff:  defaultMinBackoff,
		MaxBackoff:  defaultMaxBackoff,
		MinAmount:   big.NewInt(0),
	}
}

// LoadPolicy reads the coordinator policy from a YAML file. An empty path
// yields the default policy.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if file.Interval.Duration > 0 {
		policy.Interval = file.Interval.Duration
	}
	if file.MaxAttempts > 0 {
		policy.MaxAttempts = file.MaxAttempts
	}
	if file.MinBackoff.Duration > 0 {
		policy.MinBackoff = file.MinBackoff.Duration
	}
	if file.MaxBackoff.Duration >= policy.MinBackoff {
		if file.MaxBackoff.Duration > 0 {
			policy.MaxBackoff = file.MaxBackoff.Duration
		}
	}
	if file.MinAmount != "" {
		amount, ok := new(big.Int).SetString(file.MinAmount, 10)
		if !ok || amount.Sign() < 0 {
			return Policy{}, fmt.Errorf("invalid minAmount %q", file.MinAmount)
		}
		policy.MinAmount = amount
	}
	return policy, nil
}

// backoffDuration implements capped exponential backoff for retry attempts.
func (p Policy) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := p.MinBackoff * time.Duration(1<<uint(attempt-1))
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
