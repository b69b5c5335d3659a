//go:build crashtest

// Package testutil holds the kill points used by the whitebox crash tests.
//
// A kill point is a named spot in the commit, checkpoint or WAL maintenance
// path. When the process's target equals the name, MaybeKill exits with
// status 0 before the next instruction runs, leaving whatever the disk holds
// at that moment for a parent test to recover:
//
//	testutil.MaybeKill(testutil.KPCommitApply0)
//
// The target comes from SetKillPoint or from STRATA_KILL_POINT at startup.
// Outside the crashtest build tag every call compiles to nothing.
package testutil

import (
	"os"
	"sync"
)

// KillPointEnvVar names the kill point target at process start.
const KillPointEnvVar = "STRATA_KILL_POINT"

var killer = struct {
	mu     sync.Mutex
	target string
	hits   map[string]int64
}{hits: map[string]int64{}}

func init() {
	killer.target = os.Getenv(KillPointEnvVar)
}

// SetKillPoint makes name the point that ends the process. An empty name
// disables killing; hits are still counted.
func SetKillPoint(name string) {
	killer.mu.Lock()
	killer.target = name
	killer.mu.Unlock()
}

// KillPoint returns the current target.
func KillPoint() string {
	killer.mu.Lock()
	defer killer.mu.Unlock()
	return killer.target
}

// Hits returns how often MaybeKill(name) ran since the last ResetHits.
func Hits(name string) int64 {
	killer.mu.Lock()
	defer killer.mu.Unlock()
	return killer.hits[name]
}

// ResetHits zeroes every hit counter.
func ResetHits() {
	killer.mu.Lock()
	clear(killer.hits)
	killer.mu.Unlock()
}

// MaybeKill records a hit on name and exits with status 0 if name is the
// target.
func MaybeKill(name string) {
	killer.mu.Lock()
	killer.hits[name]++
	kill := killer.target != "" && killer.target == name
	killer.mu.Unlock()
	if kill {
		os.Exit(0)
	}
}
