package model

import "time"

// Profile is a bandwidth/QoS definition on a router (a PPP profile).
// ProfileID is immutable; ProfileName may drift.
type Profile struct {
	ID               string     `json:"id"`
	RouterID         string     `json:"router_id"`
	ServicePackageID string     `json:"service_package_id,omitempty"`
	ProfileID        string     `json:"profile_id"`
	ProfileName      string     `json:"profile_name"`
	RateLimit        string     `json:"rate_limit"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
