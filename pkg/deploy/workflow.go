// Package deploy drives the multi-level-approval, execute/cancel/retry/
// rollback lifecycle of one configuration push. The workflow is a consumer of
// the task poller and the step-up coordinator: execution is tracked through a
// task handle and may detour through paused while an OTP prompt resolves.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"ncm-console/pkg/model"
	"ncm-console/pkg/poller"
	"ncm-console/pkg/stepup"
)

// Backend is the slice of the console API the workflow needs.
type Backend interface {
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	Approve(ctx context.Context, id, approverID, decision, comment string) (*model.Deployment, error)
	Execute(ctx context.Context, id string) (string, error)
	Retry(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) (string, error)
	PreviewRollback(ctx context.Context, id string) (*model.RollbackPlan, error)
	Rollback(ctx context.Context, id string, deviceIDs []string) (string, error)
	FetchStatus(ctx context.Context, taskID string) (poller.TaskStatus, error)
}

var (
	ErrInvalidTransition = errors.New("deployment: transition not allowed from current status")
	ErrNothingToRollback = errors.New("deployment: no device needs rollback")
)

// Allowed source statuses per trigger.
func canApprove(status string) bool {
	return status == model.DeployPending || status == model.DeployApproving
}

func canExecute(status string) bool {
	switch status {
	case model.DeployApproved, model.DeployPaused, model.DeployCancelled:
		return true
	}
	return false
}

func canCancel(status string) bool {
	return status == model.DeployRunning || status == model.DeployExecuting
}

func canRetry(status string) bool {
	return status == model.DeployPartial || status == model.DeployFailed
}

func canRollback(status string) bool {
	switch status {
	case model.DeploySuccess, model.DeployPartial, model.DeployRollback:
		return true
	}
	return false
}

// Options configures a Workflow.
type Options struct {
	Poller   poller.Options         // interval/attempts for exec-task polling
	OnChange func(model.Deployment) // fired after every local state refresh
	Warn     func(msg string)       // operator-facing warnings (cancel, timeout)
}

// Workflow tracks one deployment through its lifecycle.
type Workflow struct {
	backend Backend
	stepUp  *stepup.Coordinator
	opts    Options
	poll    *poller.TaskPoller

	// mu guards current: apply runs on the poll goroutine after the exec
	// task finishes, while the caller reads snapshots from its own.
	mu      sync.Mutex
	current model.Deployment
}

func NewWorkflow(backend Backend, coord *stepup.Coordinator, opts Options) *Workflow {
	w := &Workflow{backend: backend, stepUp: coord, opts: opts}

	pollOpts := opts.Poller
	userComplete := pollOpts.OnComplete
	pollOpts.OnComplete = func(st poller.TaskStatus) {
		// The exec task finished; the server has already aggregated the
		// per-device results, so re-fetch rather than guess locally.
		if err := w.Refresh(context.Background()); err != nil {
			log.Printf("deployment refresh after task %s failed: %v", st.TaskID, err)
		}
		if userComplete != nil {
			userComplete(st)
		}
	}
	userError := pollOpts.OnError
	pollOpts.OnError = func(err error) {
		w.warn(fmt.Sprintf("lost track of the execution task: %v; refresh manually", err))
		if userError != nil {
			userError(err)
		}
	}
	userTimeout := pollOpts.OnTimeout
	pollOpts.OnTimeout = func() {
		w.warn("execution is taking longer than expected; result unknown, check the deployment manually")
		if userTimeout != nil {
			userTimeout()
		}
	}
	w.poll = poller.New(backend, pollOpts)
	return w
}

// Load fetches the deployment and makes it current.
func (w *Workflow) Load(ctx context.Context, id string) error {
	d, err := w.backend.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	w.apply(*d)
	return nil
}

// Refresh re-fetches the current deployment from the server.
func (w *Workflow) Refresh(ctx context.Context) error {
	id := w.snapshot().ID
	if id == "" {
		return errors.New("deployment: nothing loaded")
	}
	return w.Load(ctx, id)
}

// Deployment returns a snapshot of the tracked deployment.
func (w *Workflow) Deployment() model.Deployment { return w.snapshot() }

// Status returns the tracked deployment's current status.
func (w *Workflow) Status() string { return w.snapshot().Status }

// Poller exposes the exec-task poller for progress display.
func (w *Workflow) Poller() *poller.TaskPoller { return w.poll }

// Approve records a decision at the deployment's current approval level.
// Approving the last level yields approved; any reject yields rejected.
func (w *Workflow) Approve(ctx context.Context, approverID, decision, comment string) error {
	cur := w.snapshot()
	if !canApprove(cur.Status) {
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, cur.Status)
	}
	d, err := w.backend.Approve(ctx, cur.ID, approverID, decision, comment)
	if err != nil {
		return err
	}
	w.apply(*d)
	return nil
}

// Execute starts execution. A 428 from the backend is not a failure: one
// requirement per protected group is queued on the step-up coordinator, the
// deployment parks in paused, and the resume re-invokes this same operation.
func (w *Workflow) Execute(ctx context.Context) error {
	if status := w.Status(); !canExecute(status) {
		return fmt.Errorf("%w: execute from %s", ErrInvalidTransition, status)
	}
	return w.runGated(ctx, w.backend.Execute)
}

// Retry re-executes only the devices whose last per-device result is failed.
// The server derives that set from the result map, never from the aggregate.
func (w *Workflow) Retry(ctx context.Context) error {
	if status := w.Status(); !canRetry(status) {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, status)
	}
	return w.runGated(ctx, w.backend.Retry)
}

// runGated runs an execute-shaped call through the step-up coordinator and,
// on success, starts polling the returned task.
func (w *Workflow) runGated(ctx context.Context, call func(ctx context.Context, id string) (string, error)) error {
	id := w.snapshot().ID
	err := w.stepUp.Run(ctx, func(ctx context.Context) error {
		taskID, err := call(ctx, id)
		if err != nil {
			return err
		}
		d := w.snapshot()
		d.Status = model.DeployExecuting
		d.ExecTaskID = taskID
		w.apply(d)
		w.poll.Start(taskID)
		return nil
	})
	if errors.Is(err, stepup.ErrStepUpPending) {
		d := w.snapshot()
		d.Status = model.DeployPaused
		w.apply(d)
		return err
	}
	return err
}

// Cancel stops a running deployment. Devices already pushed in this round are
// left on the new config; that is deliberate and surfaced as a warning, not
// rolled back behind the operator's back.
func (w *Workflow) Cancel(ctx context.Context) error {
	cur := w.snapshot()
	if !canCancel(cur.Status) {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, cur.Status)
	}
	warning, err := w.backend.Cancel(ctx, cur.ID)
	if err != nil {
		return err
	}
	w.poll.Stop()
	if warning == "" {
		warning = "cancelled; devices already configured were not rolled back"
	}
	w.warn(warning)
	return w.Refresh(ctx)
}

// apply replaces the tracked deployment. OnChange fires outside the lock so
// observers may call back into the workflow.
func (w *Workflow) apply(d model.Deployment) {
	w.mu.Lock()
	w.current = d
	w.mu.Unlock()
	if w.opts.OnChange != nil {
		w.opts.OnChange(d)
	}
}

func (w *Workflow) snapshot() model.Deployment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Workflow) warn(msg string) {
	if w.opts.Warn != nil {
		w.opts.Warn(msg)
	} else {
		log.Printf("deployment warning: %s", msg)
	}
}
