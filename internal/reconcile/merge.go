// Package reconcile merges remote and local batches of one entity kind.
// Every function here is pure: equal inputs always give equal outputs.
package reconcile

import (
	"slices"

	"kasirinaja/offline/internal/domain"
)

// Merge combines a freshly fetched remote batch with the local batch of the
// same kind, treating the remote batch as the complete server-side set:
//
//   - unsynced local records without a remote counterpart are kept as-is;
//   - records present on both sides take the remote version, unless the local
//     one is unsynced and strictly newer; side-effect flags set locally are
//     never cleared by the remote version;
//   - a record never appears twice under its temporary and canonical ids;
//   - output is newest first, ties in insertion order (remote, then local).
//
// Synced local records missing from the remote batch are dropped.
func Merge[T domain.Entity[T]](remote, local []T) []T {
	return merge(remote, local, false)
}

// MergeIncremental is Merge for a since-last-fetch batch: synced local
// records absent from remote are kept, because absence proves nothing.
func MergeIncremental[T domain.Entity[T]](remote, local []T) []T {
	return merge(remote, local, true)
}

func merge[T domain.Entity[T]](remote, local []T, keepSynced bool) []T {
	out := make([]T, 0, len(remote)+len(local))
	used := make([]bool, len(local))
	seen := identities{}

	for _, r := range remote {
		rm := r.Meta()
		if seen.has(rm) {
			continue
		}

		chosen := r
		cm := rm
		// Only the authority's own records carry a canonical id. An unsynced
		// envelope in the batch is local work and keeps its envelope.
		if rm.IsSynced {
			cm.RemoteID = rm.CanonicalID()
		}

		if best, ok := matchLocal(local, used, rm); ok {
			l := local[best]
			lm := l.Meta()
			if !lm.IsSynced && lm.UpdatedAt.After(rm.UpdatedAt) {
				if rm.IsSynced && lm.RemoteID == "" && rm.CanonicalID() != lm.ID {
					lm.RemoteID = rm.CanonicalID()
				}
				chosen = l.WithMeta(lm)
			} else {
				cm.ID = lm.ID
				if carrier, ok := any(r).(domain.SideEffectCarrier[T]); ok {
					r = carrier.KeepSideEffects(l)
				}
				chosen = r.WithMeta(cm)
			}
		} else {
			chosen = r.WithMeta(cm)
		}

		seen.add(chosen.Meta())
		out = append(out, chosen)
	}

	for i := range local {
		if used[i] {
			continue
		}
		best, ok := matchLocal(local, used, local[i].Meta())
		if !ok {
			best = i
			used[i] = true
		}
		l := local[best]
		lm := l.Meta()
		if seen.has(lm) {
			continue
		}
		if !lm.IsSynced || keepSynced {
			if lm.IsSynced && lm.RemoteID == "" {
				lm.RemoteID = lm.ID
				l = l.WithMeta(lm)
			}
			seen.add(lm)
			out = append(out, l)
		}
	}

	slices.SortStableFunc(out, func(a, b T) int {
		return domain.SortTime(b).Compare(domain.SortTime(a))
	})
	return out
}

// matchLocal marks every unused local record sharing rm's identity as used
// and returns the one that should represent it: the newest unsynced match,
// else the first match.
func matchLocal[T domain.Entity[T]](local []T, used []bool, rm domain.Record) (int, bool) {
	best := -1
	for i, l := range local {
		if used[i] {
			continue
		}
		lm := l.Meta()
		if !lm.Matches(rm) {
			continue
		}
		used[i] = true
		if best < 0 {
			best = i
			continue
		}
		bm := local[best].Meta()
		if !lm.IsSynced && (bm.IsSynced || lm.UpdatedAt.After(bm.UpdatedAt)) {
			best = i
		}
	}
	return best, best >= 0
}

type identities map[string]struct{}

func (s identities) has(m domain.Record) bool {
	if _, ok := s[m.ID]; ok && m.ID != "" {
		return true
	}
	if _, ok := s[m.RemoteID]; ok && m.RemoteID != "" {
		return true
	}
	return false
}

func (s identities) add(m domain.Record) {
	if m.ID != "" {
		s[m.ID] = struct{}{}
	}
	if m.RemoteID != "" {
		s[m.RemoteID] = struct{}{}
	}
}
