// Package retention decides which historical versions survive compaction.
//
// A Policy looks at one address's version chain (oldest first) and returns
// the index of the oldest version to keep. The current version is always
// kept; callers add their own floor for versions pinned by open snapshots.
package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/strata/internal/dbformat"
)

// Kind selects a retention rule.
type Kind uint8

const (
	// KeepAll never prunes. It is the default.
	KeepAll Kind = iota
	// KeepLast keeps the N newest versions.
	KeepLast
	// KeepFor keeps versions committed within a time window.
	KeepFor
)

// Policy is a retention rule. The zero Policy is KeepAll.
type Policy struct {
	Kind   Kind
	N      int
	Window time.Duration
}

// All returns the KeepAll policy.
func All() Policy { return Policy{Kind: KeepAll} }

// Last returns a KeepLast(n) policy. n below 1 is treated as 1.
func Last(n int) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{Kind: KeepLast, N: n}
}

// For returns a KeepFor(d) policy.
func For(d time.Duration) Policy { return Policy{Kind: KeepFor, Window: d} }

// String renders the policy in the syntax accepted by Parse.
func (p Policy) String() string {
	switch p.Kind {
	case KeepLast:
		return "keep_last:" + strconv.Itoa(p.N)
	case KeepFor:
		return "keep_for:" + p.Window.String()
	default:
		return "keep_all"
	}
}

// Parse reads "keep_all", "keep_last:N" or "keep_for:DURATION".
func Parse(s string) (Policy, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch strings.ToLower(name) {
	case "", "keep_all":
		return All(), nil
	case "keep_last":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return Policy{}, fmt.Errorf("retention: keep_last needs a positive count, got %q", arg)
		}
		return Last(n), nil
	case "keep_for":
		d, err := time.ParseDuration(arg)
		if err != nil || d <= 0 {
			return Policy{}, fmt.Errorf("retention: keep_for needs a positive duration, got %q", arg)
		}
		return For(d), nil
	default:
		return Policy{}, fmt.Errorf("retention: unknown policy %q", s)
	}
}

// Cutoff returns the index of the oldest version to keep in a chain whose
// commit timestamps (unix nanoseconds, oldest first) are given. The result
// is always <= len(timestamps)-1, so the newest version survives.
func (p Policy) Cutoff(timestamps []int64, now time.Time) int {
	n := len(timestamps)
	if n == 0 {
		return 0
	}
	last := n - 1
	switch p.Kind {
	case KeepLast:
		if p.N >= n {
			return 0
		}
		return n - p.N
	case KeepFor:
		horizon := now.Add(-p.Window).UnixNano()
		for i, ts := range timestamps {
			if ts >= horizon {
				return min(i, last)
			}
		}
		return last
	default:
		return 0
	}
}

// Rules holds the per-database default and per-namespace overrides.
type Rules struct {
	Default    Policy
	Namespaces map[dbformat.Namespace]Policy
}

// For returns the policy that governs ns.
func (r Rules) For(ns dbformat.Namespace) Policy {
	if p, ok := r.Namespaces[ns]; ok {
		return p
	}
	return r.Default
}

// IsKeepAll reports whether no namespace can ever be pruned.
func (r Rules) IsKeepAll() bool {
	if r.Default.Kind != KeepAll {
		return false
	}
	for _, p := range r.Namespaces {
		if p.Kind != KeepAll {
			return false
		}
	}
	return true
}
