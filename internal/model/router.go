package model

import "time"

// RouterStatus is the last observed reachability of a router
type RouterStatus string

const (
	RouterStatusUnknown RouterStatus = "unknown"
	RouterStatusOnline  RouterStatus = "online"
	RouterStatusOffline RouterStatus = "offline"
)

// Router is a RouterOS device hosting PPPoE accounts, pools and profiles
type Router struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	Username      string       `json:"username"`
	Password      string       `json:"-"` // sealed with internal/secrets
	UseTLS        bool         `json:"use_tls"`
	SNMPCommunity string       `json:"snmp_community,omitempty"`
	Status        RouterStatus `json:"status"`
	LastSeen      *time.Time   `json:"last_seen,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ServicePackage is the billing-side definition of a bandwidth plan
type ServicePackage struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	DownloadKbps       int    `json:"download_kbps"`
	UploadKbps         int    `json:"upload_kbps"`
	BurstDownloadKbps  int    `json:"burst_download_kbps,omitempty"`
	BurstUploadKbps    int    `json:"burst_upload_kbps,omitempty"`
	BurstThresholdKbps int    `json:"burst_threshold_kbps,omitempty"`
	BurstTimeSeconds   int    `json:"burst_time_seconds,omitempty"`
}

// HasBurst reports whether the package defines burst parameters
func (p *ServicePackage) HasBurst() bool {
	return p.BurstDownloadKbps > 0 || p.BurstUploadKbps > 0
}
