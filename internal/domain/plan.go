package domain

import (
	"strings"
	"time"
)

// Quota is the server-reported allowance for one quota-bounded kind.
type Quota struct {
	Limit       int  `json:"limit"`
	Used        int  `json:"used"`
	IsUnlimited bool `json:"isUnlimited"`
}

type UsageSnapshot struct {
	Customers Quota `json:"customers"`
	Products  Quota `json:"products"`
	Orders    Quota `json:"orders"`
}

// For returns the quota for a kind and whether the kind is quota-bounded.
func (u UsageSnapshot) For(kind Kind) (Quota, bool) {
	switch kind {
	case KindCustomers:
		return u.Customers, true
	case KindProducts:
		return u.Products, true
	case KindOrders:
		return u.Orders, true
	}
	return Quota{}, false
}

// Entitlement statuses.
const (
	EntitlementActive    = "active"
	PaymentCompleted     = "completed"
	PlanTypeMini         = "mini"
	PlanTypeSubscription = "subscription"
)

// Entitlement is a purchased plan order granting limits for a time window.
type Entitlement struct {
	ID            string    `json:"id"`
	PlanID        string    `json:"planId"`
	PlanName      string    `json:"planName"`
	PlanType      string    `json:"planType"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	StartsAt      time.Time `json:"startsAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IsMini reports whether the entitlement is a top-up pack that only adds quota.
func (e Entitlement) IsMini() bool {
	return strings.EqualFold(strings.TrimSpace(e.PlanType), PlanTypeMini)
}

// PlanDetails is the usage and identity snapshot the UI renders.
type PlanDetails struct {
	SellerID             string        `json:"sellerId"`
	PlanName             string        `json:"planName"`
	CurrentEntitlementID string        `json:"currentPlanOrderId"`
	ExpiresAt            *time.Time    `json:"expiresAt,omitempty"`
	IsSubscriptionActive bool          `json:"isSubscriptionActive"`
	Usage                UsageSnapshot `json:"usage"`
}

// PlanCacheRecord is the locally persisted copy of plan details used offline.
type PlanCacheRecord struct {
	ID          string        `json:"id"`
	SellerID    string        `json:"sellerId"`
	Data        PlanDetails   `json:"data"`
	PlanOrders  []Entitlement `json:"planOrders"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

func PlanCacheID(sellerID string) string {
	return "planDetails_" + sellerID
}
