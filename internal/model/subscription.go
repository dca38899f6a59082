package model

import "time"

// SubscriptionStatus is the billing state of a subscription
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusSuspended  SubscriptionStatus = "suspended"
	StatusCutService SubscriptionStatus = "cutService"
	StatusCancelled  SubscriptionStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusCutService, StatusCancelled:
		return true
	}
	return false
}

// PoolType maps a status to the pool type serving it. Cancelled has none.
func (s SubscriptionStatus) PoolType() (PoolType, bool) {
	switch s {
	case StatusActive:
		return PoolTypeActive, true
	case StatusSuspended:
		return PoolTypeSuspended, true
	case StatusCutService:
		return PoolTypeCutService, true
	}
	return "", false
}

// Subscription is a client's service instance
type Subscription struct {
	ID               string             `json:"id"`
	ClientID         string             `json:"client_id"`
	ServicePackageID string             `json:"service_package_id"`
	RouterID         string             `json:"router_id"`
	ZoneID           string             `json:"zone_id"`
	Username         string             `json:"pppoe_username"`
	Password         string             `json:"-"` // sealed
	CurrentIPPoolID  string             `json:"current_ip_pool_id,omitempty"`
	CurrentProfileID string             `json:"current_profile_id,omitempty"`
	BillingDay       int                `json:"billing_day"`
	Status           SubscriptionStatus `json:"status"`
	AutoManagement   bool               `json:"auto_management"`
	LastStatusChange time.Time          `json:"last_status_change"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// RehomeOperation is the kind of network change a pending marker tracks
type RehomeOperation string

const (
	OperationRehome    RehomeOperation = "rehome"
	OperationTeardown  RehomeOperation = "teardown"
	OperationProvision RehomeOperation = "provision"
)

// RehomeStage records how far a pending operation progressed
type RehomeStage string

const (
	StagePlanned   RehomeStage = "planned"
	StageAllocated RehomeStage = "allocated"
	StageApplied   RehomeStage = "applied"
)

// PendingRehome marks a subscription whose network state does not yet
// match its billing status.
type PendingRehome struct {
	SubscriptionID string          `json:"subscription_id"`
	Operation      RehomeOperation `json:"operation"`
	Stage          RehomeStage     `json:"stage"`
	TargetPoolID   string          `json:"target_pool_id,omitempty"`
	Address        string          `json:"address,omitempty"`
	Plan           []byte          `json:"-"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
