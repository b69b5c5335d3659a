package mvcc

import (
	"context"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/retention"
)

// PruneStats reports what a retention pass removed.
type PruneStats struct {
	ChainsVisited   int
	VersionsDropped int
}

// Prune drops historical versions excluded by rules. Only a prefix of each
// chain is ever removed, and never the current version. pinned lists the
// open snapshots in ascending order; every version one of them reads is
// kept.
func (s *Store) Prune(rules retention.Rules, now time.Time, pinned []dbformat.SequenceNumber) PruneStats {
	var st PruneStats
	if rules.IsKeepAll() {
		return st
	}
	var stamps []int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for a, c := range sh.chains {
			st.ChainsVisited++
			if len(c.versions) < 2 {
				continue
			}
			stamps = stamps[:0]
			for _, v := range c.versions {
				stamps = append(stamps, v.Timestamp)
			}
			cut := min(rules.For(a.Namespace).Cutoff(stamps, now), c.pinnedFloor(pinned))
			if cut <= 0 {
				continue
			}
			c.versions = slices.Clone(c.versions[cut:])
			st.VersionsDropped += cut
		}
		sh.mu.Unlock()
	}
	return st
}

// pinnedFloor returns the index of the oldest version some snapshot in
// pinned reads, or len(versions) when none reads this chain. The oldest
// snapshot that sees the chain at all reads the oldest needed version;
// snapshots taken before the chain existed need nothing from it.
func (c *chain) pinnedFloor(pinned []dbformat.SequenceNumber) int {
	i, _ := slices.BinarySearch(pinned, c.versions[0].Seq)
	if i == len(pinned) {
		return len(c.versions)
	}
	return c.visible(pinned[i])
}

// Chain is the exported form of one address's retained versions.
type Chain struct {
	Addr     dbformat.Address
	Versions []Version
}

// Export copies every chain, sorted by address. Shards are copied
// concurrently. Callers that need a consistent cut must stop Apply while
// exporting; the result then reflects exactly LastApplied.
func (s *Store) Export(ctx context.Context) ([]Chain, error) {
	parts := make([][]Chain, numShards)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range s.shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sh := &s.shards[i]
			sh.mu.RLock()
			out := make([]Chain, 0, len(sh.chains))
			for a, c := range sh.chains {
				out = append(out, Chain{Addr: a, Versions: slices.Clone(c.versions)})
			}
			sh.mu.RUnlock()
			parts[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	all := make([]Chain, 0, total)
	for _, p := range parts {
		all = append(all, p...)
	}
	slices.SortFunc(all, func(a, b Chain) int { return a.Addr.Compare(b.Addr) })
	return all, nil
}

// Load replaces the store contents with chains taken at sequence seq.
// Empty chains are ignored.
func (s *Store) Load(chains []Chain, seq dbformat.SequenceNumber) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.chains = make(map[dbformat.Address]*chain)
		sh.mu.Unlock()
	}
	for _, c := range chains {
		if len(c.Versions) == 0 {
			continue
		}
		sh := s.shardFor(c.Addr)
		sh.mu.Lock()
		sh.chains[c.Addr] = &chain{versions: slices.Clone(c.Versions)}
		sh.mu.Unlock()
	}
	s.lastSeq.Store(uint64(seq))
}
