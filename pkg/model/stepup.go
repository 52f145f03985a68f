package model

// StepUpGrant records a verified OTP for a (dept, group) pair. Grants expire
// after the group's cache TTL; execute re-checks expiry, never the verify call.
type StepUpGrant struct {
	DeptID     string `json:"deptId"`
	Group      string `json:"group"`
	VerifiedAt int64  `json:"verifiedAt"` // unix seconds
	TTLSec     int    `json:"ttlSec"`
}

// Expired reports whether the grant is no longer honored at unix time now.
func (g StepUpGrant) Expired(now int64) bool {
	ttl := g.TTLSec
	if ttl <= 0 {
		ttl = 300
	}
	return now >= g.VerifiedAt+int64(ttl)
}
