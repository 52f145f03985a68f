package model

import "time"

// Device is one managed network element in the inventory.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MgmtIP     string    `json:"mgmtIp"`
	Vendor     string    `json:"vendor,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	DeptID     string    `json:"deptId"`
	Group      string    `json:"group"` // device group within the department, e.g. core/access
	Reachable  bool      `json:"reachable"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}

// DeviceGroup carries the per-(dept, group) step-up policy. Groups with
// RequireOTP set refuse config pushes until an unexpired OTP grant exists.
type DeviceGroup struct {
	DeptID         string `json:"deptId"`
	Group          string `json:"group"`
	RequireOTP     bool   `json:"requireOtp"`
	WaitTimeoutSec int    `json:"waitTimeoutSec,omitempty"` // how long the operator gets to answer the prompt
	CacheTTLSec    int    `json:"cacheTtlSec,omitempty"`    // how long a verified grant is honored
}

// Key returns the dept|group identity used for grants and step-up dedup.
func (g DeviceGroup) Key() string {
	return g.DeptID + "|" + g.Group
}

// ConfigBaseline records the config content hash captured for a device at a
// point in time (post-backup or post-deploy). Rollback eligibility is decided
// by comparing hashes, never by task membership.
type ConfigBaseline struct {
	DeviceID   string    `json:"deviceId"`
	Hash       string    `json:"hash"`
	Content    string    `json:"content,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	Source     string    `json:"source,omitempty"` // backup / deploy
}
