package model

import "time"

// FindingKind classifies an operator-visible reconciliation result
type FindingKind string

const (
	FindingOrphanedLocal    FindingKind = "orphaned_local_record"
	FindingUnknownRemote    FindingKind = "unknown_remote_object"
	FindingIdentityConflict FindingKind = "identity_conflict"
	FindingNoPoolForZone    FindingKind = "no_pool_for_zone"
	FindingPoolExhausted    FindingKind = "pool_exhausted"
)

// ObjectKind names a router-side table
type ObjectKind string

const (
	ObjectPool    ObjectKind = "pool"
	ObjectProfile ObjectKind = "profile"
	ObjectAccount ObjectKind = "account"
)

// Finding is raised for operator review and never auto-resolves remote state
type Finding struct {
	ID         string      `json:"id"`
	RouterID   string      `json:"router_id"`
	Kind       FindingKind `json:"kind"`
	ObjectKind ObjectKind  `json:"object_kind,omitempty"`
	ObjectRef  string      `json:"object_ref"`
	Detail     string      `json:"detail"`
	FirstSeen  time.Time   `json:"first_seen"`
	LastSeen   time.Time   `json:"last_seen"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// FindingFilter holds filter criteria for listing findings
type FindingFilter struct {
	RouterID string
	Kind     FindingKind
	OpenOnly bool
}
