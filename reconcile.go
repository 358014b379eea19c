package trailhead

import (
	"log/slog"
	"sort"
)

// MergeResult is the outcome of reconciling local and remote state.
type MergeResult struct {
	// Initiatives is the merged entity set, the new local baseline.
	Initiatives []Initiative

	// LocalOnly lists ids present only in the local cache. These are
	// presumed to be writes that never reached the server and are kept.
	LocalOnly []string

	// RemoteWins counts conflicts resolved in favor of the remote copy,
	// including timestamp ties.
	RemoteWins int

	// LocalWins counts conflicts resolved in favor of the local copy.
	LocalWins int
}

// Merge reconciles the local cache with freshly pulled remote state. Both
// sides are deduplicated by id independently, then merged over the union
// of ids: an id on one side only is taken as-is (local-only entities are
// recovered, not discarded); an id on both sides is resolved by comparing
// the lastUpdated timestamp (falling back to createdAt) chronologically,
// later wins, ties favor the remote copy so clients converge on the
// server's value. Merge is idempotent: merging a set with itself returns
// the set unchanged.
func Merge(local, remote []Initiative) MergeResult {
	local, _ = dedupeInitiatives(local, "merge local")
	remote, _ = dedupeInitiatives(remote, "merge remote")

	localByID := make(map[string]Initiative, len(local))
	for _, in := range local {
		localByID[in.ID] = in
	}

	var result MergeResult
	merged := make([]Initiative, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote)+len(local))

	// Remote order first, then local-only in local order, so output order
	// is stable across repeated reconciles.
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		l, ok := localByID[r.ID]
		if !ok {
			merged = append(merged, r)
			continue
		}
		if timestampAfter(l.effectiveTimestamp(), r.effectiveTimestamp()) {
			merged = append(merged, l)
			result.LocalWins++
		} else {
			merged = append(merged, r)
			result.RemoteWins++
		}
	}

	for _, l := range local {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		merged = append(merged, l)
		result.LocalOnly = append(result.LocalOnly, l.ID)
	}

	if len(result.LocalOnly) > 0 {
		sort.Strings(result.LocalOnly)
		slog.Info("recovered unsynced local initiatives", "count", len(result.LocalOnly), "ids", result.LocalOnly)
	}

	result.Initiatives = merged
	return result
}
