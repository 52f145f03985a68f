package runner

import (
	"testing"
	"time"

	"ncm-console/pkg/model"
	"ncm-console/pkg/store"
)

func waitTerminal(t *testing.T, st store.Store, taskID string) model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok, err := st.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if ok && model.IsTerminalStatus(task.Status) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", taskID)
	return model.Task{}
}

func seedDevice(t *testing.T, st store.Store, id string, reachable bool) {
	t.Helper()
	if err := st.UpsertDevice(model.Device{ID: id, Name: id, MgmtIP: "10.0.0.1", Reachable: reachable}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
}

func TestBackupCapturesBaselines(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	seedDevice(t, st, "sw2", true)
	r := New(st, nil, time.Millisecond)

	id := r.StartBackup([]string{"sw1", "sw2"})
	task := waitTerminal(t, st, id)

	if task.Status != model.TaskSuccess {
		t.Fatalf("status = %q, want %q", task.Status, model.TaskSuccess)
	}
	for _, dev := range []string{"sw1", "sw2"} {
		if _, ok, _ := st.GetBaseline(dev); !ok {
			t.Errorf("no baseline recorded for %s", dev)
		}
	}
}

func TestBackupAllUnreachableFails(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", false)
	r := New(st, nil, time.Millisecond)

	task := waitTerminal(t, st, r.StartBackup([]string{"sw1"}))
	if task.Status != model.TaskFailure {
		t.Fatalf("status = %q, want %q", task.Status, model.TaskFailure)
	}
}

func TestPushRecordsPerDeviceResults(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	seedDevice(t, st, "sw2", false)
	r := New(st, nil, time.Millisecond)

	dep := model.Deployment{
		ID:             "d1",
		TemplateID:     "vlan-base",
		TemplateParams: map[string]string{"vlan": "100"},
		TargetDevices:  []string{"sw1", "sw2"},
		Status:         model.DeployApproved,
	}
	if err := st.SaveDeployment(dep); err != nil {
		t.Fatal(err)
	}

	task := waitTerminal(t, st, r.StartPush(dep, nil))
	if task.Status != model.PushSuccess {
		t.Fatalf("task status = %q, want %q", task.Status, model.PushSuccess)
	}

	got, _, _ := st.GetDeployment("d1")
	if got.Status != model.DeployPartial {
		t.Fatalf("deployment status = %q, want %q", got.Status, model.DeployPartial)
	}
	if got.DeviceResults["sw1"].Status != model.PushSuccess {
		t.Errorf("sw1 result = %q, want success", got.DeviceResults["sw1"].Status)
	}
	if got.DeviceResults["sw2"].Status != model.PushFailed {
		t.Errorf("sw2 result = %q, want failed", got.DeviceResults["sw2"].Status)
	}
	if got.ExecTaskID != "" {
		t.Errorf("ExecTaskID not cleared after completion")
	}
	if failed := got.FailedDevices(); len(failed) != 1 || failed[0] != "sw2" {
		t.Errorf("FailedDevices = %v, want [sw2]", failed)
	}
}

func TestPushCapturesPreDeployBaseline(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	_ = st.SetDeviceConfig("sw1", "pre-deploy config")
	r := New(st, nil, time.Millisecond)

	dep := model.Deployment{ID: "d1b", TemplateID: "tpl", TargetDevices: []string{"sw1"}, Status: model.DeployApproved}
	_ = st.SaveDeployment(dep)
	waitTerminal(t, st, r.StartPush(dep, nil))

	baseline, ok, _ := st.GetBaseline("sw1")
	if !ok || baseline.Content != "pre-deploy config" {
		t.Fatalf("baseline = %+v ok=%v, want pre-deploy config captured", baseline, ok)
	}
}

func TestRetryOnlyTouchesNamedDevices(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	seedDevice(t, st, "sw2", true)
	_ = st.SetDeviceConfig("sw1", "original sw1")
	r := New(st, nil, time.Millisecond)

	dep := model.Deployment{
		ID:            "d2",
		TemplateID:    "tpl",
		TargetDevices: []string{"sw1", "sw2"},
		Status:        model.DeployPartial,
		DeviceResults: map[string]model.DeviceResult{
			"sw1": {DeviceID: "sw1", Status: model.PushSuccess},
			"sw2": {DeviceID: "sw2", Status: model.PushFailed},
		},
	}
	_ = st.SaveDeployment(dep)

	waitTerminal(t, st, r.StartPush(dep, []string{"sw2"}))

	cfg, _, _ := st.GetDeviceConfig("sw1")
	if cfg != "original sw1" {
		t.Errorf("retry rewrote sw1's config: %q", cfg)
	}
	got, _, _ := st.GetDeployment("d2")
	if got.Status != model.DeploySuccess {
		t.Errorf("deployment status after retry = %q, want success", got.Status)
	}
}

func TestRollbackRestoresBaseline(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	_ = st.SaveBaseline(model.ConfigBaseline{DeviceID: "sw1", Content: "golden", Hash: ContentHash("golden")})
	_ = st.SetDeviceConfig("sw1", "deployed junk")
	r := New(st, nil, time.Millisecond)

	dep := model.Deployment{ID: "d3", TargetDevices: []string{"sw1"}, Status: model.DeployFailed}
	_ = st.SaveDeployment(dep)

	task := waitTerminal(t, st, r.StartRollback(dep, []string{"sw1"}))
	if task.Status != model.PushSuccess {
		t.Fatalf("rollback task status = %q", task.Status)
	}
	cfg, _, _ := st.GetDeviceConfig("sw1")
	if cfg != "golden" {
		t.Errorf("config after rollback = %q, want baseline content", cfg)
	}
}

func TestRollbackWithoutBaselineFails(t *testing.T) {
	st := store.NewMemoryStore()
	seedDevice(t, st, "sw1", true)
	r := New(st, nil, time.Millisecond)

	dep := model.Deployment{ID: "d4", TargetDevices: []string{"sw1"}}
	_ = st.SaveDeployment(dep)

	task := waitTerminal(t, st, r.StartRollback(dep, []string{"sw1"}))
	if task.Status != model.PushFailed {
		t.Fatalf("rollback task status = %q, want failed", task.Status)
	}
}

func TestPreviewRollbackPartition(t *testing.T) {
	st := store.NewMemoryStore()
	dep := model.Deployment{
		ID:             "d5",
		TemplateID:     "tpl",
		TemplateParams: map[string]string{"mtu": "9000"},
		TargetDevices:  []string{"intact", "diverged", "nobase"},
	}
	rendered := func(id string) string { return RenderConfig(dep.TemplateID, dep.TemplateParams, id) }

	// intact: baseline exists, device still runs the deployed config
	_ = st.SaveBaseline(model.ConfigBaseline{DeviceID: "intact", Content: "old", Hash: ContentHash("old")})
	_ = st.SetDeviceConfig("intact", rendered("intact"))
	// diverged: baseline exists, someone edited the device since
	_ = st.SaveBaseline(model.ConfigBaseline{DeviceID: "diverged", Content: "old", Hash: ContentHash("old")})
	_ = st.SetDeviceConfig("diverged", "hand edit")
	// nobase: no baseline at all
	_ = st.SetDeviceConfig("nobase", rendered("nobase"))

	r := New(st, nil, time.Millisecond)
	plan, err := r.PreviewRollback(dep)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.NeedRollback) != 1 || plan.NeedRollback[0].DeviceID != "intact" {
		t.Errorf("NeedRollback = %+v, want [intact]", plan.NeedRollback)
	}
	if len(plan.Skip) != 1 || plan.Skip[0].DeviceID != "diverged" {
		t.Errorf("Skip = %+v, want [diverged]", plan.Skip)
	}
	if len(plan.CannotRollback) != 1 || plan.CannotRollback[0].DeviceID != "nobase" {
		t.Errorf("CannotRollback = %+v, want [nobase]", plan.CannotRollback)
	}
	if h := plan.NeedRollback[0].CurrentHash; len(h) != hashPrefixLen {
		t.Errorf("hash prefix length = %d, want %d", len(h), hashPrefixLen)
	}
}

func TestCancelStopsPush(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		seedDevice(t, st, id, true)
	}
	r := New(st, nil, 50*time.Millisecond)

	dep := model.Deployment{ID: "d6", TemplateID: "tpl", TargetDevices: []string{"a", "b", "c", "d"}, Status: model.DeployApproved}
	_ = st.SaveDeployment(dep)

	taskID := r.StartPush(dep, nil)
	time.Sleep(10 * time.Millisecond)
	if !r.Cancel(taskID) {
		t.Fatal("Cancel returned false for a running task")
	}
	task := waitTerminal(t, st, taskID)
	if task.Status != model.PushFailed || task.Error != "cancelled" {
		t.Fatalf("task after cancel = %q / %q", task.Status, task.Error)
	}
	got, _, _ := st.GetDeployment("d6")
	if got.Status != model.DeployCancelled {
		t.Errorf("deployment status = %q, want cancelled", got.Status)
	}
}

func TestRenderConfigDeterministic(t *testing.T) {
	a := RenderConfig("tpl", map[string]string{"b": "2", "a": "1"}, "dev")
	b := RenderConfig("tpl", map[string]string{"a": "1", "b": "2"}, "dev")
	if a != b {
		t.Fatalf("RenderConfig not deterministic:\n%q\n%q", a, b)
	}
}
