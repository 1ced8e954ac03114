// Package entitlement decides whether the seller's plan orders authorize writes.
package entitlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/offline/internal/domain"
)

var (
	ErrBaseRequired  = errors.New("base subscription required: top-up packs cannot be used without an active plan")
	ErrNoEntitlement = errors.New("no active subscription: purchase a plan to continue")
)

// ExpiredError reports that the newest base plan has lapsed.
type ExpiredError struct {
	PlanName  string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("subscription %q expired on %s: renew your plan to continue", e.PlanName, e.ExpiredAt.Format("2006-01-02"))
}

// Eligible reports whether e is paid for, active and inside its window.
func Eligible(e domain.Entitlement, now time.Time) bool {
	status := strings.ToLower(strings.TrimSpace(e.Status))
	if status != "" && status != domain.EntitlementActive {
		return false
	}
	payment := strings.ToLower(strings.TrimSpace(e.PaymentStatus))
	if payment != "" && payment != domain.PaymentCompleted {
		return false
	}
	if !e.StartsAt.IsZero() && now.Before(e.StartsAt) {
		return false
	}
	return !e.ExpiresAt.IsZero() && now.Before(e.ExpiresAt)
}

// CheckWrite returns nil when at least one eligible base (non-mini)
// entitlement exists. Mini packs alone never authorize writes.
func CheckWrite(ents []domain.Entitlement, now time.Time) error {
	miniOnly := false
	var lapsed *domain.Entitlement
	for i, e := range ents {
		if Eligible(e, now) {
			if !e.IsMini() {
				return nil
			}
			miniOnly = true
			continue
		}
		if !e.IsMini() && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
			if lapsed == nil || e.ExpiresAt.After(lapsed.ExpiresAt) {
				lapsed = &ents[i]
			}
		}
	}
	if miniOnly {
		return ErrBaseRequired
	}
	if lapsed != nil {
		return &ExpiredError{PlanName: lapsed.PlanName, ExpiredAt: lapsed.ExpiresAt}
	}
	return ErrNoEntitlement
}

// BestBase picks the eligible base entitlement that runs longest.
func BestBase(ents []domain.Entitlement, now time.Time) (domain.Entitlement, bool) {
	var best domain.Entitlement
	found := false
	for _, e := range ents {
		if e.IsMini() || !Eligible(e, now) {
			continue
		}
		if !found || e.ExpiresAt.After(best.ExpiresAt) || (e.ExpiresAt.Equal(best.ExpiresAt) && e.ID < best.ID) {
			best = e
			found = true
		}
	}
	return best, found
}

// Find returns the entitlement with the given id.
func Find(ents []domain.Entitlement, id string) (domain.Entitlement, bool) {
	for _, e := range ents {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Entitlement{}, false
}
