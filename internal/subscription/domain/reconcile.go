package domain

import "time"

// ReconcileResult lists the entitlement transitions whose deadline has
// passed. Updated rows moved pending -> active; Removed rows left
// pending_removal past their deactivation deadline and must be deleted.
type ReconcileResult struct {
	Updated []Entitlement
	Removed []Entitlement
}

func (r ReconcileResult) Empty() bool {
	return len(r.Updated) == 0 && len(r.Removed) == 0
}

// Reconcile executes already-scheduled entitlement transitions against now.
// It never schedules anything itself, which is what keeps cancel-at-period-end
// reversible: clearing the schedule before the deadline undoes it. Calling it
// twice with the same clock is a no-op the second time.
func Reconcile(entitlements []Entitlement, now time.Time) ReconcileResult {
	var result ReconcileResult
	for _, e := range entitlements {
		switch e.Status {
		case EntitlementStatusPending:
			if e.ActivateAt != nil && !now.Before(*e.ActivateAt) {
				e.Status = EntitlementStatusActive
				e.ActivateAt = nil
				e.UpdatedAt = now
				result.Updated = append(result.Updated, e)
			}
		case EntitlementStatusPendingRemoval:
			if e.DeactivateAt != nil && !now.Before(*e.DeactivateAt) {
				result.Removed = append(result.Removed, e)
			}
		}
	}
	return result
}

// Apply folds a reconcile result back into the in-memory entitlement set.
func (r ReconcileResult) Apply(entitlements []Entitlement) []Entitlement {
	if r.Empty() {
		return entitlements
	}

	updated := make(map[int64]Entitlement, len(r.Updated))
	for _, e := range r.Updated {
		updated[int64(e.ID)] = e
	}
	removed := make(map[int64]struct{}, len(r.Removed))
	for _, e := range r.Removed {
		removed[int64(e.ID)] = struct{}{}
	}

	out := make([]Entitlement, 0, len(entitlements))
	for _, e := range entitlements {
		if _, gone := removed[int64(e.ID)]; gone {
			continue
		}
		if u, ok := updated[int64(e.ID)]; ok {
			e = u
		}
		out = append(out, e)
	}
	return out
}
