package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconcile_ExecutesDueTransitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	entitlements := []Entitlement{
		{ID: 1, ServiceCode: "analytics", Status: EntitlementStatusPending, ActivateAt: &past},
		{ID: 2, ServiceCode: "storage", Status: EntitlementStatusPending, ActivateAt: &future},
		{ID: 3, ServiceCode: "alerting", Status: EntitlementStatusPendingRemoval, DeactivateAt: &past},
		{ID: 4, ServiceCode: "audit-log", Status: EntitlementStatusPendingRemoval, DeactivateAt: &future},
		{ID: 5, ServiceCode: "reporting", Status: EntitlementStatusActive},
	}

	result := Reconcile(entitlements, now)

	if assert.Len(t, result.Updated, 1) {
		assert.Equal(t, "analytics", result.Updated[0].ServiceCode)
		assert.Equal(t, EntitlementStatusActive, result.Updated[0].Status)
		assert.Nil(t, result.Updated[0].ActivateAt)
		assert.Equal(t, now, result.Updated[0].UpdatedAt)
	}
	if assert.Len(t, result.Removed, 1) {
		assert.Equal(t, "alerting", result.Removed[0].ServiceCode)
	}
}

func TestReconcile_DeadlineBoundaryIsInclusive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := now

	result := Reconcile([]Entitlement{
		{ID: 1, Status: EntitlementStatusPending, ActivateAt: &at},
		{ID: 2, Status: EntitlementStatusPendingRemoval, DeactivateAt: &at},
	}, now)

	assert.Len(t, result.Updated, 1)
	assert.Len(t, result.Removed, 1)
}

func TestReconcile_NeverSchedules(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Pending with no deadline stays pending; removal with no deadline stays.
	result := Reconcile([]Entitlement{
		{ID: 1, Status: EntitlementStatusPending},
		{ID: 2, Status: EntitlementStatusPendingRemoval},
	}, now)

	assert.True(t, result.Empty())
}

func TestReconcile_SecondPassIsNoOp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	entitlements := []Entitlement{
		{ID: 1, Status: EntitlementStatusPending, ActivateAt: &past},
		{ID: 2, Status: EntitlementStatusPendingRemoval, DeactivateAt: &past},
	}

	first := Reconcile(entitlements, now)
	entitlements = first.Apply(entitlements)

	second := Reconcile(entitlements, now)
	assert.True(t, second.Empty())
}

func TestApply_FoldsResultIntoSet(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	entitlements := []Entitlement{
		{ID: 1, ServiceCode: "analytics", Status: EntitlementStatusPending, ActivateAt: &past},
		{ID: 2, ServiceCode: "storage", Status: EntitlementStatusActive},
		{ID: 3, ServiceCode: "alerting", Status: EntitlementStatusPendingRemoval, DeactivateAt: &past},
	}

	out := Reconcile(entitlements, now).Apply(entitlements)

	if assert.Len(t, out, 2) {
		assert.Equal(t, "analytics", out[0].ServiceCode)
		assert.Equal(t, EntitlementStatusActive, out[0].Status)
		assert.Equal(t, "storage", out[1].ServiceCode)
	}
}

func TestChargeableSubtotal(t *testing.T) {
	sub := Subscription{
		BasePriceEUR: 10.00,
		Entitlements: []Entitlement{
			{ServiceCode: "analytics", Status: EntitlementStatusActive, PriceEUR: 5.00},
			{ServiceCode: "storage", Status: EntitlementStatusPendingRemoval, PriceEUR: 3.00},
			{ServiceCode: "alerting", Status: EntitlementStatusPending, PriceEUR: 2.00},
		},
	}

	// Scheduled removals still bill until their deadline; pending never bills.
	assert.Equal(t, 18.00, sub.ChargeableSubtotal())
}
