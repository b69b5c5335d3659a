//go:build !crashtest

// Package testutil holds the kill points used by the whitebox crash tests.
// Without the crashtest build tag they do nothing.
package testutil

// KillPointEnvVar names the kill point target at process start. It is
// ignored in this build.
const KillPointEnvVar = "STRATA_KILL_POINT"

func SetKillPoint(string) {}

func KillPoint() string { return "" }

func Hits(string) int64 { return 0 }

func ResetHits() {}

func MaybeKill(string) {}
