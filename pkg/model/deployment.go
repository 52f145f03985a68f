package model

import "time"

// Deployment statuses. Approval moves pending/approving -> approved|rejected;
// execute moves approved/paused/cancelled -> running; the exec task drives
// running -> success|partial|failed; step-up detours through paused.
const (
	DeployPending   = "pending"
	DeployApproving = "approving"
	DeployApproved  = "approved"
	DeployRejected  = "rejected"
	DeployRunning   = "running"
	DeployExecuting = "executing"
	DeploySuccess   = "success"
	DeployPartial   = "partial"
	DeployFailed    = "failed"
	DeployPaused    = "paused"
	DeployCancelled = "cancelled"
	DeployRollback  = "rollback"
)

// Approval is one level of the ordered approval chain.
type Approval struct {
	Level      int        `json:"level"`
	ApproverID string     `json:"approverId"`
	Decision   string     `json:"decision"` // pending / approved / rejected
	Comment    string     `json:"comment,omitempty"`
	DecidedAt  *time.Time `json:"approvedAt,omitempty"`
}

// DeviceResult is the per-device outcome of the last execute/retry round.
// The result map, not the aggregate status, is the source of truth for which
// devices a retry re-attempts.
type DeviceResult struct {
	DeviceID   string     `json:"deviceId"`
	Status     string     `json:"status"` // pending / success / failed
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// Deployment is a template-driven config push across a set of devices.
type Deployment struct {
	ID             string                  `json:"id"`
	TemplateID     string                  `json:"templateId"`
	TemplateParams map[string]string       `json:"templateParams,omitempty"`
	TargetDevices  []string                `json:"targetDeviceIds"`
	Status         string                  `json:"status"`
	Approvals      []Approval              `json:"approvals"`
	DeviceResults  map[string]DeviceResult `json:"perDeviceResults,omitempty"`
	ExecTaskID     string                  `json:"execTaskId,omitempty"` // live task handle while running
	CreatedBy      string                  `json:"createdBy,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// CurrentApprovalLevel returns the lowest level still pending, or -1 when the
// chain is fully decided.
func (d *Deployment) CurrentApprovalLevel() int {
	for _, a := range d.Approvals {
		if a.Decision == "pending" {
			return a.Level
		}
	}
	return -1
}

// FailedDevices lists devices whose last result is failed, in target order.
func (d *Deployment) FailedDevices() []string {
	var out []string
	for _, id := range d.TargetDevices {
		if r, ok := d.DeviceResults[id]; ok && r.Status == PushFailed {
			out = append(out, id)
		}
	}
	return out
}

// RollbackPlan is the dry-run partition returned by the rollback preview.
// Commit is only allowed when NeedRollback is non-empty.
type RollbackPlan struct {
	NeedRollback   []RollbackItem `json:"need_rollback"`
	Skip           []RollbackItem `json:"skip"`
	CannotRollback []RollbackItem `json:"cannot_rollback"`
}

// RollbackItem is one device's preview row with display hash prefixes.
type RollbackItem struct {
	DeviceID     string `json:"deviceId"`
	Reason       string `json:"reason"`
	ExpectedHash string `json:"expectedHash,omitempty"` // prefix of post-deploy hash
	CurrentHash  string `json:"currentHash,omitempty"`  // prefix of hash on device now
}
