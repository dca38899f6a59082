package model

import "time"

// PoolType classifies a pool by the billing state it serves
type PoolType string

const (
	PoolTypeActive     PoolType = "active"
	PoolTypeSuspended  PoolType = "suspended"
	PoolTypeCutService PoolType = "cutService"
)

// Valid reports whether t is a known pool type
func (t PoolType) Valid() bool {
	switch t {
	case PoolTypeActive, PoolTypeSuspended, PoolTypeCutService:
		return true
	}
	return false
}

// IPPool is a router-side address range scoped to a zone.
//
// PoolID is the router's immutable object identifier and is the only field
// used to match the pool against live router state. PoolName is a cached
// display name that is resynchronized by reconciliation.
type IPPool struct {
	ID        string     `json:"id"`
	ZoneID    string     `json:"zone_id"`
	RouterID  string     `json:"router_id"`
	PoolID    string     `json:"pool_id"`
	PoolName  string     `json:"pool_name"`
	Range     string     `json:"range"` // "10.0.0.2-10.0.0.254" or CIDR
	PoolType  PoolType   `json:"pool_type"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IPPoolFilter holds filter criteria for listing pools
type IPPoolFilter struct {
	RouterID string
	ZoneID   string
	PoolType PoolType
}

// LeaseStatus is the state of a single address within a pool
type LeaseStatus string

const (
	LeaseAvailable LeaseStatus = "available"
	LeaseAssigned  LeaseStatus = "assigned"
	LeaseReserved  LeaseStatus = "reserved"
	LeaseBlocked   LeaseStatus = "blocked"
)

// Lease records the state of one address. Addresses without a row are free.
type Lease struct {
	ID             string      `json:"id"`
	PoolRef        string      `json:"pool_ref"`
	RouterID       string      `json:"router_id"`
	Address        string      `json:"address"`
	ClientID       string      `json:"client_id,omitempty"`
	AccountRef     string      `json:"account_ref,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Status         LeaseStatus `json:"status"`
	AssignedAt     *time.Time  `json:"assigned_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PoolStats summarises address usage in a pool
type PoolStats struct {
	PoolRef  string `json:"pool_ref"`
	Total    uint64 `json:"total"`
	Assigned uint64 `json:"assigned"`
	Reserved uint64 `json:"reserved"`
	Blocked  uint64 `json:"blocked"`
	Free     uint64 `json:"free"`
}
