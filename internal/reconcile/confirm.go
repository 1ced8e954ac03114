package reconcile

import (
	"time"

	"kasirinaja/offline/internal/domain"
)

// Confirm folds the authority's canonical copy of a pushed record into the
// local one. pushedAt is the updatedAt of the snapshot that was pushed.
//
// If the local record was edited after that snapshot, the edit wins: it
// keeps its content, learns its remote id, and stays dirty. Otherwise the
// canonical copy is taken with the local id, isSynced=true, the server's
// updatedAt and a syncedAt stamp; side-effect flags already applied locally
// are never cleared.
func Confirm[T domain.Entity[T]](local, canonical T, pushedAt, syncedAt time.Time) T {
	lm := local.Meta()
	cm := canonical.Meta()
	remoteID := cm.CanonicalID()

	if lm.UpdatedAt.After(pushedAt) {
		lm.RemoteID = remoteID
		lm.IsSynced = false
		return local.WithMeta(lm)
	}

	out := canonical
	if carrier, ok := any(canonical).(domain.SideEffectCarrier[T]); ok {
		out = carrier.KeepSideEffects(local)
	}

	cm.ID = lm.ID
	cm.RemoteID = remoteID
	cm.IsSynced = true
	cm.PendingPersist = false
	stamp := syncedAt
	cm.SyncedAt = &stamp
	if cm.UpdatedAt.IsZero() {
		cm.UpdatedAt = pushedAt
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = lm.CreatedAt
	}
	if cm.SellerID == "" {
		cm.SellerID = lm.SellerID
	}
	return out.WithMeta(cm)
}
