package testutil

// Kill point names follow "Component.Operation:N", where N is 0 for
// "before" and 1 for "after".
const (
	// WAL kill points
	KPWALAppend0 = "WAL.Append:0" // Before a commit record is written
	KPWALSync0   = "WAL.Sync:0"   // Before WAL fsync
	KPWALSync1   = "WAL.Sync:1"   // After WAL fsync

	// Commit kill points
	KPCommitApply0 = "Commit.Apply:0" // After the WAL append, before the store apply

	// Checkpoint kill points
	KPCheckpointWrite0 = "Checkpoint.Write:0" // Before the checkpoint file is written
	KPCheckpointWrite1 = "Checkpoint.Write:1" // After the checkpoint rename, before the MANIFEST update

	// MANIFEST kill points
	KPManifestWrite0 = "Manifest.Write:0" // Before the MANIFEST rename

	// Compaction kill points
	KPSegmentRemove0 = "WAL.RemoveSegment:0" // Before deleting an obsolete segment
)
