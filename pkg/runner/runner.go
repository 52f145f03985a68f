// Package runner executes console jobs (backup, scan, config push, rollback)
// asynchronously against the device inventory, recording progress on the task
// record and per-device outcomes on the deployment.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ncm-console/pkg/model"
	"ncm-console/pkg/store"
)

// Publisher receives task step updates for live streaming; nil disables it.
type Publisher interface {
	PublishStep(taskID string, step model.TaskStep)
}

type Runner struct {
	st  store.Store
	pub Publisher

	// StepDelay simulates per-device work; tests shrink it.
	stepDelay time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(st store.Store, pub Publisher, stepDelay time.Duration) *Runner {
	if stepDelay <= 0 {
		stepDelay = 200 * time.Millisecond
	}
	return &Runner{st: st, pub: pub, stepDelay: stepDelay, cancels: make(map[string]context.CancelFunc)}
}

// Cancel aborts a running task; devices not yet reached keep their pending
// result. Already-pushed devices are deliberately left as-is.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) register(taskID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.mu.Unlock()
	return ctx
}

func (r *Runner) unregister(taskID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[taskID]; ok {
		cancel()
		delete(r.cancels, taskID)
	}
	r.mu.Unlock()
}

func (r *Runner) step(task *model.Task, step model.TaskStep) {
	step.Timestamp = time.Now()
	task.Steps = append(task.Steps, step)
	_ = r.st.SaveTask(*task)
	if r.pub != nil {
		r.pub.PublishStep(task.ID, step)
	}
}

func (r *Runner) saveProgress(task *model.Task, done, total int, detail string) {
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	task.Progress = &model.TaskProgress{Done: done, Total: total, Percent: pct, Detail: detail}
	_ = r.st.SaveTask(*task)
}

// StartBackup captures the running config of each device as its baseline.
// Backup tasks report in the uppercase status family.
func (r *Runner) StartBackup(deviceIDs []string) string {
	task := model.Task{
		ID:      uuid.NewString(),
		Kind:    "backup",
		Status:  model.TaskPending,
		Targets: deviceIDs,
	}
	_ = r.st.SaveTask(task)
	ctx := r.register(task.ID)
	go r.runBackup(ctx, task, deviceIDs)
	return task.ID
}

func (r *Runner) runBackup(ctx context.Context, task model.Task, deviceIDs []string) {
	defer r.unregister(task.ID)
	task.Status = model.TaskStarted
	_ = r.st.SaveTask(task)

	failed := 0
	for i, id := range deviceIDs {
		if sleepOrDone(ctx, r.stepDelay) {
			task.Status = model.TaskRevoked
			_ = r.st.SaveTask(task)
			return
		}
		dev, ok, _ := r.st.GetDevice(id)
		if !ok || !dev.Reachable {
			failed++
			r.step(&task, model.TaskStep{Name: "backup", DeviceID: id, Status: "fail", Message: "device unreachable"})
			continue
		}
		cfg, ok, _ := r.st.GetDeviceConfig(id)
		if !ok {
			cfg = defaultConfig(dev)
			_ = r.st.SetDeviceConfig(id, cfg)
		}
		_ = r.st.SaveBaseline(model.ConfigBaseline{
			DeviceID: id,
			Hash:     ContentHash(cfg),
			Content:  cfg,
			Source:   "backup",
		})
		r.step(&task, model.TaskStep{Name: "backup", DeviceID: id, Status: "success"})
		r.saveProgress(&task, i+1, len(deviceIDs), id)
	}

	if failed == len(deviceIDs) && len(deviceIDs) > 0 {
		task.Status = model.TaskFailure
		task.Error = "all devices unreachable"
	} else {
		task.Status = model.TaskSuccess
		task.Result, _ = json.Marshal(map[string]int{"backed_up": len(deviceIDs) - failed, "failed": failed})
	}
	_ = r.st.SaveTask(task)
}

// StartScan walks the inventory for a subnet and refreshes reachability.
// Scan tasks report in the uppercase status family.
func (r *Runner) StartScan(subnet string) string {
	task := model.Task{
		ID:     uuid.NewString(),
		Kind:   "scan",
		Status: model.TaskPending,
	}
	_ = r.st.SaveTask(task)
	ctx := r.register(task.ID)
	go r.runScan(ctx, task, subnet)
	return task.ID
}

func (r *Runner) runScan(ctx context.Context, task model.Task, subnet string) {
	defer r.unregister(task.ID)
	task.Status = model.TaskStarted
	_ = r.st.SaveTask(task)

	devices, err := r.st.ListDevices()
	if err != nil {
		task.Status = model.TaskFailure
		task.Error = err.Error()
		_ = r.st.SaveTask(task)
		return
	}
	found := 0
	for i, dev := range devices {
		if sleepOrDone(ctx, r.stepDelay) {
			task.Status = model.TaskRevoked
			_ = r.st.SaveTask(task)
			return
		}
		dev.LastSeenAt = time.Now()
		_ = r.st.UpsertDevice(dev)
		if dev.Reachable {
			found++
		}
		r.step(&task, model.TaskStep{Name: "probe", DeviceID: dev.ID, Status: "success", Message: dev.MgmtIP})
		r.saveProgress(&task, i+1, len(devices), dev.MgmtIP)
	}
	task.Status = model.TaskSuccess
	task.Result, _ = json.Marshal(map[string]interface{}{"subnet": subnet, "alive": found, "total": len(devices)})
	_ = r.st.SaveTask(task)
}

// StartPush renders the deployment's template per device and applies it.
// Push tasks report in the lowercase status family; per-device outcomes land
// on the deployment record, which is re-aggregated when the task ends. When
// only is non-empty, just those devices are attempted (retry path).
func (r *Runner) StartPush(dep model.Deployment, only []string) string {
	targets := dep.TargetDevices
	if len(only) > 0 {
		targets = only
	}
	task := model.Task{
		ID:      uuid.NewString(),
		Kind:    "config_push",
		Status:  model.PushPending,
		Targets: targets,
	}
	_ = r.st.SaveTask(task)

	dep.Status = model.DeployRunning
	dep.ExecTaskID = task.ID
	if dep.DeviceResults == nil {
		dep.DeviceResults = make(map[string]model.DeviceResult)
	}
	for _, id := range targets {
		dep.DeviceResults[id] = model.DeviceResult{DeviceID: id, Status: "pending"}
	}
	_ = r.st.SaveDeployment(dep)

	ctx := r.register(task.ID)
	go r.runPush(ctx, task, dep.ID, targets)
	return task.ID
}

func (r *Runner) runPush(ctx context.Context, task model.Task, depID string, targets []string) {
	defer r.unregister(task.ID)
	task.Status = model.PushRunning
	_ = r.st.SaveTask(task)

	cancelled := false
	for i, id := range targets {
		if sleepOrDone(ctx, r.stepDelay) {
			cancelled = true
			break
		}
		result := r.pushDevice(depID, id)
		r.recordResult(depID, result)
		status := "success"
		if result.Status == model.PushFailed {
			status = "fail"
		}
		r.step(&task, model.TaskStep{Name: "push", DeviceID: id, Status: status, Message: result.Error})
		r.saveProgress(&task, i+1, len(targets), id)
	}

	dep, ok, _ := r.st.GetDeployment(depID)
	if !ok {
		log.Printf("push task %s: deployment %s vanished", task.ID, depID)
		return
	}
	dep.ExecTaskID = ""
	if cancelled {
		task.Status = model.PushFailed
		task.Error = "cancelled"
		dep.Status = model.DeployCancelled
	} else {
		succeeded, failed := tally(dep)
		switch {
		case failed == 0:
			task.Status = model.PushSuccess
			dep.Status = model.DeploySuccess
		case succeeded == 0:
			task.Status = model.PushFailed
			dep.Status = model.DeployFailed
		default:
			task.Status = model.PushSuccess
			dep.Status = model.DeployPartial
		}
		task.Result, _ = json.Marshal(map[string]int{"succeeded": succeeded, "failed": failed})
	}
	_ = r.st.SaveTask(task)
	_ = r.st.SaveDeployment(dep)
}

// pushDevice captures a baseline on first touch, then swaps in the rendered
// config. Unreachable devices fail; their baseline is untouched.
func (r *Runner) pushDevice(depID, deviceID string) model.DeviceResult {
	now := time.Now()
	dep, ok, _ := r.st.GetDeployment(depID)
	if !ok {
		return model.DeviceResult{DeviceID: deviceID, Status: model.PushFailed, Error: "deployment not found", ExecutedAt: &now}
	}
	dev, ok, _ := r.st.GetDevice(deviceID)
	if !ok {
		return model.DeviceResult{DeviceID: deviceID, Status: model.PushFailed, Error: "device not found", ExecutedAt: &now}
	}
	if !dev.Reachable {
		return model.DeviceResult{DeviceID: deviceID, Status: model.PushFailed, Error: "device unreachable", ExecutedAt: &now}
	}

	if _, ok, _ := r.st.GetBaseline(deviceID); !ok {
		if cfg, ok, _ := r.st.GetDeviceConfig(deviceID); ok {
			_ = r.st.SaveBaseline(model.ConfigBaseline{
				DeviceID: deviceID,
				Hash:     ContentHash(cfg),
				Content:  cfg,
				Source:   "deploy",
			})
		}
	}

	rendered := RenderConfig(dep.TemplateID, dep.TemplateParams, deviceID)
	_ = r.st.SetDeviceConfig(deviceID, rendered)
	return model.DeviceResult{
		DeviceID:   deviceID,
		Status:     model.PushSuccess,
		Output:     "applied " + ContentHash(rendered)[:12],
		ExecutedAt: &now,
	}
}

func (r *Runner) recordResult(depID string, result model.DeviceResult) {
	dep, ok, _ := r.st.GetDeployment(depID)
	if !ok {
		return
	}
	if dep.DeviceResults == nil {
		dep.DeviceResults = make(map[string]model.DeviceResult)
	}
	dep.DeviceResults[result.DeviceID] = result
	_ = r.st.SaveDeployment(dep)
}

// StartRollback restores each device's baseline config. Rollback tasks report
// in the lowercase status family.
func (r *Runner) StartRollback(dep model.Deployment, deviceIDs []string) string {
	task := model.Task{
		ID:      uuid.NewString(),
		Kind:    "rollback",
		Status:  model.PushPending,
		Targets: deviceIDs,
	}
	_ = r.st.SaveTask(task)
	dep.Status = model.DeployRollback
	dep.ExecTaskID = task.ID
	_ = r.st.SaveDeployment(dep)
	ctx := r.register(task.ID)
	go r.runRollback(ctx, task, dep.ID, deviceIDs)
	return task.ID
}

func (r *Runner) runRollback(ctx context.Context, task model.Task, depID string, deviceIDs []string) {
	defer r.unregister(task.ID)
	task.Status = model.PushRunning
	_ = r.st.SaveTask(task)

	failed := 0
	for i, id := range deviceIDs {
		if sleepOrDone(ctx, r.stepDelay) {
			task.Status = model.PushFailed
			task.Error = "cancelled"
			_ = r.st.SaveTask(task)
			return
		}
		baseline, ok, _ := r.st.GetBaseline(id)
		if !ok {
			failed++
			r.step(&task, model.TaskStep{Name: "rollback", DeviceID: id, Status: "fail", Message: "no baseline recorded"})
			continue
		}
		_ = r.st.SetDeviceConfig(id, baseline.Content)
		r.step(&task, model.TaskStep{Name: "rollback", DeviceID: id, Status: "success"})
		r.saveProgress(&task, i+1, len(deviceIDs), id)
	}

	if failed == len(deviceIDs) && len(deviceIDs) > 0 {
		task.Status = model.PushFailed
		task.Error = "no device rolled back"
	} else {
		task.Status = model.PushSuccess
		task.Result, _ = json.Marshal(map[string]int{"rolled_back": len(deviceIDs) - failed, "failed": failed})
	}
	_ = r.st.SaveTask(task)

	dep, ok, _ := r.st.GetDeployment(depID)
	if ok {
		dep.ExecTaskID = ""
		_ = r.st.SaveDeployment(dep)
	}
}

func tally(dep model.Deployment) (succeeded, failed int) {
	for _, res := range dep.DeviceResults {
		switch res.Status {
		case model.PushSuccess:
			succeeded++
		case model.PushFailed:
			failed++
		}
	}
	return succeeded, failed
}

// sleepOrDone waits d and reports whether ctx expired first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

// RenderConfig produces the deterministic device config for a template and
// parameter set. Deterministic output is what makes hash comparison in the
// rollback preview meaningful.
func RenderConfig(templateID string, params map[string]string, deviceID string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := fmt.Sprintf("! template %s\n! device %s\n", templateID, deviceID)
	for _, k := range keys {
		out += fmt.Sprintf("%s %s\n", k, params[k])
	}
	return out
}

// ContentHash is the config content hash used for rollback eligibility.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func defaultConfig(dev model.Device) string {
	return fmt.Sprintf("! factory config\nhostname %s\ninterface mgmt0\n ip address %s\n", dev.Name, dev.MgmtIP)
}
