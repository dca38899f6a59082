package model

import "time"

// AccountStatus is the local view of a PPPoE secret
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountDisabled  AccountStatus = "disabled"
	AccountCancelled AccountStatus = "cancelled"
)

// PPPoEAccount is the router-side PPP secret backing a subscription.
// MikrotikUserID is immutable; Username may be renamed on the router.
type PPPoEAccount struct {
	ID             string        `json:"id"`
	RouterID       string        `json:"router_id"`
	ClientID       string        `json:"client_id"`
	SubscriptionID string        `json:"subscription_id"`
	Username       string        `json:"username"`
	Password       string        `json:"-"` // sealed
	MikrotikUserID string        `json:"mikrotik_user_id"`
	ProfileRef     string        `json:"profile_ref"`
	PoolRef        string        `json:"pool_ref"`
	Address        string        `json:"address"`
	Status         AccountStatus `json:"status"`
	BytesIn        int64         `json:"bytes_in"`
	BytesOut       int64         `json:"bytes_out"`
	LastSync       *time.Time    `json:"last_sync_with_router,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
