package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ncm-console/pkg/model"
	"ncm-console/pkg/runner"
	"ncm-console/pkg/store"
)

// DeployHandler owns the deployment lifecycle: submit, approve, execute with
// the OTP gate, retry, cancel and the two-phase rollback.
type DeployHandler struct {
	Store  store.Store
	Runner *runner.Runner
	OTP    *OTPHandler
}

func (d *DeployHandler) RegisterRoutes(mux *http.ServeMux, auth func(r *http.Request) bool) {
	mux.HandleFunc("/api/v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodPost:
			d.handleCreate(w, r)
		case http.MethodGet:
			items, err := d.Store.ListDeployments(50)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list deployments")
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
		parts := strings.Split(rest, "/")
		id := parts[0]
		if id == "" {
			writeError(w, http.StatusBadRequest, "deployment id required")
			return
		}
		dep, ok, err := d.Store.GetDeployment(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load deployment")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}

		action := strings.Join(parts[1:], "/")
		switch action {
		case "":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, http.StatusOK, dep)
		case "approve":
			d.handleApprove(w, r, dep)
		case "execute":
			d.handleExecute(w, r, dep)
		case "retry":
			d.handleRetry(w, r, dep)
		case "cancel":
			d.handleCancel(w, r, dep)
		case "rollback/preview":
			d.handlePreview(w, r, dep)
		case "rollback":
			d.handleRollback(w, r, dep)
		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	})
}

func (d *DeployHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID     string            `json:"template_id"`
		TemplateParams map[string]string `json:"template_params"`
		TargetDevices  []string          `json:"target_devices"`
		ApproverIDs    []string          `json:"approver_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" || len(req.TargetDevices) == 0 {
		writeError(w, http.StatusBadRequest, "template_id and target_devices are required")
		return
	}
	dep := model.Deployment{
		ID:             uuid.NewString(),
		TemplateID:     req.TemplateID,
		TemplateParams: req.TemplateParams,
		TargetDevices:  req.TargetDevices,
		Status:         model.DeployPending,
		CreatedBy:      actorFrom(r),
	}
	for i, approver := range req.ApproverIDs {
		dep.Approvals = append(dep.Approvals, model.Approval{Level: i + 1, ApproverID: approver, Decision: "pending"})
	}
	// No approval chain means the submitter's own authority suffices.
	if len(dep.Approvals) == 0 {
		dep.Status = model.DeployApproved
	}
	if err := d.Store.SaveDeployment(dep); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save deployment")
		return
	}
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: dep.CreatedBy, Action: "deploy_submit", Target: dep.ID,
		Detail: "template " + dep.TemplateID, Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, dep)
}

func (d *DeployHandler) handleApprove(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if dep.Status != model.DeployPending && dep.Status != model.DeployApproving {
		writeError(w, http.StatusConflict, "deployment is not awaiting approval")
		return
	}
	var req struct {
		ApproverID string `json:"approver_id"`
		Decision   string `json:"decision"`
		Comment    string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		(req.Decision != "approved" && req.Decision != "rejected") {
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	level := dep.CurrentApprovalLevel()
	if level < 0 {
		writeError(w, http.StatusConflict, "approval chain already decided")
		return
	}
	for i := range dep.Approvals {
		if dep.Approvals[i].Level != level {
			continue
		}
		if dep.Approvals[i].ApproverID != req.ApproverID {
			writeError(w, http.StatusForbidden, "not the approver for the current level")
			return
		}
		now := time.Now()
		dep.Approvals[i].Decision = req.Decision
		dep.Approvals[i].Comment = req.Comment
		dep.Approvals[i].DecidedAt = &now
		break
	}

	switch {
	case req.Decision == "rejected":
		dep.Status = model.DeployRejected
	case dep.CurrentApprovalLevel() < 0:
		dep.Status = model.DeployApproved
	default:
		dep.Status = model.DeployApproving
	}
	if err := d.Store.SaveDeployment(dep); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save deployment")
		return
	}
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: req.ApproverID, Action: "deploy_" + req.Decision, Target: dep.ID, Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, dep)
}

func (d *DeployHandler) handleExecute(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch dep.Status {
	case model.DeployApproved, model.DeployPaused, model.DeployCancelled:
	default:
		writeError(w, http.StatusConflict, "deployment is not executable from status "+dep.Status)
		return
	}
	if notices := d.missingGrants(dep.TargetDevices); len(notices) > 0 {
		writeStepUpRequired(w, "one or more device groups require OTP verification", notices)
		return
	}
	taskID := d.Runner.StartPush(dep, nil)
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: actorFrom(r), Action: "deploy_execute", Target: dep.ID,
		Detail: "task " + taskID, Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (d *DeployHandler) handleRetry(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if dep.Status != model.DeployPartial && dep.Status != model.DeployFailed {
		writeError(w, http.StatusConflict, "retry only applies to partial or failed deployments")
		return
	}
	failed := dep.FailedDevices()
	if len(failed) == 0 {
		writeError(w, http.StatusConflict, "no failed devices to retry")
		return
	}
	if notices := d.missingGrants(failed); len(notices) > 0 {
		writeStepUpRequired(w, "one or more device groups require OTP verification", notices)
		return
	}
	taskID := d.Runner.StartPush(dep, failed)
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: actorFrom(r), Action: "deploy_retry", Target: dep.ID,
		Detail: "task " + taskID + ", " + itoa(len(failed)) + " devices", Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

const cancelWarning = "deployment cancelled; devices already configured were not rolled back"

func (d *DeployHandler) handleCancel(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if dep.Status != model.DeployRunning && dep.Status != model.DeployExecuting {
		writeError(w, http.StatusConflict, "deployment is not running")
		return
	}
	if dep.ExecTaskID != "" {
		d.Runner.Cancel(dep.ExecTaskID)
	}
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: actorFrom(r), Action: "deploy_cancel", Target: dep.ID, Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"warning": cancelWarning})
}

func (d *DeployHandler) handlePreview(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !rollbackable(dep.Status) {
		writeError(w, http.StatusConflict, "rollback does not apply to status "+dep.Status)
		return
	}
	plan, err := d.Runner.PreviewRollback(dep)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute rollback preview")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (d *DeployHandler) handleRollback(w http.ResponseWriter, r *http.Request, dep model.Deployment) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !rollbackable(dep.Status) {
		writeError(w, http.StatusConflict, "rollback does not apply to status "+dep.Status)
		return
	}
	var req struct {
		DeviceIDs []string `json:"device_ids"`
	}
	// No body means "everything the preview allows".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// The commit set is re-validated against a fresh preview; the client's
	// view may be stale.
	plan, err := d.Runner.PreviewRollback(dep)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute rollback preview")
		return
	}
	eligible := make(map[string]bool, len(plan.NeedRollback))
	for _, item := range plan.NeedRollback {
		eligible[item.DeviceID] = true
	}
	targets := req.DeviceIDs
	if len(targets) == 0 {
		for _, item := range plan.NeedRollback {
			targets = append(targets, item.DeviceID)
		}
	}
	if len(targets) == 0 {
		writeError(w, http.StatusConflict, "no device needs rollback")
		return
	}
	for _, id := range targets {
		if !eligible[id] {
			writeError(w, http.StatusConflict, "device "+id+" is not eligible for rollback")
			return
		}
	}
	taskID := d.Runner.StartRollback(dep, targets)
	_ = d.Store.AppendAudit(model.AuditEntry{
		Actor: actorFrom(r), Action: "deploy_rollback", Target: dep.ID,
		Detail: "task " + taskID + ", " + itoa(len(targets)) + " devices", Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func rollbackable(status string) bool {
	switch status {
	case model.DeploySuccess, model.DeployPartial, model.DeployRollback:
		return true
	}
	return false
}

// missingGrants maps the target devices to their (dept, group) pairs and
// returns a notice for every OTP-protected pair without an unexpired grant.
// A fresh code is issued per missing pair so the operator can answer the
// prompt straight away.
func (d *DeployHandler) missingGrants(deviceIDs []string) []otpGroupNotice {
	type pair struct{ dept, group string }
	members := make(map[pair][]string)
	order := []pair{}
	for _, id := range deviceIDs {
		dev, ok, _ := d.Store.GetDevice(id)
		if !ok {
			continue
		}
		p := pair{dev.DeptID, dev.Group}
		if _, seen := members[p]; !seen {
			order = append(order, p)
		}
		members[p] = append(members[p], id)
	}

	var notices []otpGroupNotice
	for _, p := range order {
		g, ok, _ := d.Store.GetGroup(p.dept, p.group)
		if !ok || !g.RequireOTP {
			continue
		}
		if hasGrant(d.Store, p.dept, p.group) {
			continue
		}
		if d.OTP != nil {
			d.OTP.Issue(p.dept, p.group)
		}
		notices = append(notices, otpGroupNotice{
			DeptID:        p.dept,
			DeviceGroup:   p.group,
			Message:       "OTP verification required for " + p.dept + "/" + p.group,
			WaitTimeout:   g.WaitTimeoutSec,
			CacheTTL:      g.CacheTTLSec,
			FailedTargets: members[p],
		})
	}
	return notices
}
