package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ncm-console/pkg/model"
	"ncm-console/pkg/poller"
	"ncm-console/pkg/stepup"
)

// mockBackend implements Backend with overridable behavior per call.
type mockBackend struct {
	mu         sync.Mutex
	deployment model.Deployment
	execErr    error
	execCalls  int
	retryCalls int
	rollback   *model.RollbackPlan
	rolledBack []string
	cancels    int
	warning    string
	taskStatus poller.TaskStatus
}

func (m *mockBackend) GetDeployment(_ context.Context, id string) (*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deployment
	return &d, nil
}

func (m *mockBackend) Approve(_ context.Context, id, approverID, decision, comment string) (*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if decision == "rejected" {
		m.deployment.Status = model.DeployRejected
	} else {
		m.deployment.Status = model.DeployApproved
	}
	d := m.deployment
	return &d, nil
}

func (m *mockBackend) Execute(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalls++
	if m.execErr != nil {
		err := m.execErr
		m.execErr = nil // step-up satisfied after the grant; next call succeeds
		return "", err
	}
	return "exec-task-1", nil
}

func (m *mockBackend) Retry(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCalls++
	return "retry-task-1", nil
}

func (m *mockBackend) Cancel(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	m.deployment.Status = model.DeployCancelled
	return m.warning, nil
}

func (m *mockBackend) PreviewRollback(_ context.Context, id string) (*model.RollbackPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollback, nil
}

func (m *mockBackend) Rollback(_ context.Context, id string, deviceIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolledBack = deviceIDs
	return "rollback-task-1", nil
}

func (m *mockBackend) FetchStatus(_ context.Context, taskID string) (poller.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.taskStatus
	st.TaskID = taskID
	return st, nil
}

func (m *mockBackend) setDeployment(d model.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployment = d
}

type nopVerifier struct{}

func (nopVerifier) VerifyOTP(context.Context, string, string, string) error { return nil }

func newWorkflow(t *testing.T, backend *mockBackend, opts Options) (*Workflow, *stepup.Coordinator) {
	t.Helper()
	coord := stepup.NewCoordinator(nopVerifier{}, stepup.Options{})
	t.Cleanup(coord.Close)
	if opts.Poller.Interval == 0 {
		opts.Poller.Interval = time.Hour // keep polls out of the way unless a test wants them
	}
	return NewWorkflow(backend, coord, opts), coord
}

func TestWorkflow_TransitionGuards(t *testing.T) {
	tests := []struct {
		name   string
		status string
		call   func(ctx context.Context, w *Workflow) error
	}{
		{"execute from pending", model.DeployPending, func(ctx context.Context, w *Workflow) error { return w.Execute(ctx) }},
		{"execute from rejected", model.DeployRejected, func(ctx context.Context, w *Workflow) error { return w.Execute(ctx) }},
		{"cancel from approved", model.DeployApproved, func(ctx context.Context, w *Workflow) error { return w.Cancel(ctx) }},
		{"retry from success", model.DeploySuccess, func(ctx context.Context, w *Workflow) error { return w.Retry(ctx) }},
		{"retry from running", model.DeployRunning, func(ctx context.Context, w *Workflow) error { return w.Retry(ctx) }},
		{"rollback from failed", model.DeployFailed, func(ctx context.Context, w *Workflow) error {
			_, err := w.PreviewRollback(ctx)
			return err
		}},
		{"approve from running", model.DeployRunning, func(ctx context.Context, w *Workflow) error {
			return w.Approve(ctx, "u1", "approved", "")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			backend.setDeployment(model.Deployment{ID: "dep-1", Status: tt.status})
			w, _ := newWorkflow(t, backend, Options{})
			if err := w.Load(context.Background(), "dep-1"); err != nil {
				t.Fatalf("load: %v", err)
			}
			if err := tt.call(context.Background(), w); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestWorkflow_ExecuteStartsPolling(t *testing.T) {
	backend := &mockBackend{taskStatus: poller.TaskStatus{Status: "running"}}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeployApproved})
	w, _ := newWorkflow(t, backend, Options{})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if w.Status() != model.DeployExecuting {
		t.Errorf("expected executing, got %s", w.Status())
	}
	if w.Deployment().ExecTaskID != "exec-task-1" {
		t.Errorf("expected exec task recorded, got %q", w.Deployment().ExecTaskID)
	}
	if !w.Poller().IsPolling() {
		t.Error("expected exec task being polled")
	}
	w.Poller().Stop()
}

func TestWorkflow_ExecCompletionRefreshesFromServer(t *testing.T) {
	backend := &mockBackend{taskStatus: poller.TaskStatus{Status: "success"}}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeployApproved})

	done := make(chan struct{})
	w, _ := newWorkflow(t, backend, Options{
		Poller: poller.Options{
			Interval:   5 * time.Millisecond,
			OnComplete: func(poller.TaskStatus) { close(done) },
		},
	})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Server-side aggregation lands while the task runs.
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeploySuccess})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exec task completion")
	}
	deadline := time.Now().Add(time.Second)
	for w.Status() != model.DeploySuccess {
		if time.Now().After(deadline) {
			t.Fatalf("expected success after refresh, got %s", w.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkflow_ExecuteWithStepUpPausesThenResumes(t *testing.T) {
	backend := &mockBackend{
		taskStatus: poller.TaskStatus{Status: "running"},
		execErr: &stepup.APIError{
			HTTPStatus: 428,
			Payload: map[string]interface{}{
				"details": map[string]interface{}{"dept_id": "d1", "device_group": "core"},
			},
		},
	}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeployApproved})
	w, coord := newWorkflow(t, backend, Options{})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := w.Execute(context.Background())
	if !errors.Is(err, stepup.ErrStepUpPending) {
		t.Fatalf("expected ErrStepUpPending, got %v", err)
	}
	if w.Status() != model.DeployPaused {
		t.Errorf("expected paused while awaiting authorization, got %s", w.Status())
	}
	if active, ok := coord.Active(); !ok || active.DeviceGroup != "core" {
		t.Fatal("expected a prompt for d1/core")
	}

	// Operator supplies the code; the resume re-invokes execute.
	if err := coord.Submit(context.Background(), "123456"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.Status() != model.DeployExecuting {
		t.Errorf("expected executing after resume, got %s", w.Status())
	}
	if backend.execCalls != 2 {
		t.Errorf("expected execute called twice (gate then resume), got %d", backend.execCalls)
	}
	w.Poller().Stop()
}

func TestWorkflow_SnapshotsSafeDuringPollRefresh(t *testing.T) {
	backend := &mockBackend{taskStatus: poller.TaskStatus{Status: "success"}}
	backend.setDeployment(model.Deployment{
		ID:     "dep-1",
		Status: model.DeployApproved,
		DeviceResults: map[string]model.DeviceResult{
			"sw1": {DeviceID: "sw1", Status: "pending"},
		},
	})

	done := make(chan struct{})
	w, _ := newWorkflow(t, backend, Options{
		Poller: poller.Options{
			Interval:   time.Millisecond,
			OnComplete: func(poller.TaskStatus) { close(done) },
		},
	})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeploySuccess})

	// Hammer the read-side accessors while the poll goroutine refreshes the
	// tracked deployment; the race detector flags any unguarded access.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = w.Status()
					_ = w.Deployment().DeviceResults
				}
			}
		}()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		close(stop)
		wg.Wait()
		t.Fatal("timed out waiting for exec task completion")
	}
	deadline := time.Now().Add(time.Second)
	for w.Status() != model.DeploySuccess {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	if w.Status() != model.DeploySuccess {
		t.Fatalf("expected success after refresh, got %s", w.Status())
	}
}

func TestWorkflow_CancelWarnsAboutExecutedDevices(t *testing.T) {
	backend := &mockBackend{warning: "3 devices already configured were not rolled back"}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeployRunning})
	var warned string
	w, _ := newWorkflow(t, backend, Options{Warn: func(msg string) { warned = msg }})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if warned != backend.warning {
		t.Errorf("expected the server warning surfaced, got %q", warned)
	}
	if w.Status() != model.DeployCancelled {
		t.Errorf("expected cancelled, got %s", w.Status())
	}
}

func TestWorkflow_ApproveProgression(t *testing.T) {
	backend := &mockBackend{}
	backend.setDeployment(model.Deployment{ID: "dep-1", Status: model.DeployApproving})
	w, _ := newWorkflow(t, backend, Options{})
	if err := w.Load(context.Background(), "dep-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.Approve(context.Background(), "u1", "approved", "lgtm"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if w.Status() != model.DeployApproved {
		t.Errorf("expected approved, got %s", w.Status())
	}
}
