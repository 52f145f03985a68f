// Package poller implements the bounded polling loop that tracks one
// backend-executed async job (backup, scan, config push) to a terminal state.
package poller

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// TaskStatus is one snapshot of a backend job, as returned by the status
// endpoint. Status keeps the backend's own vocabulary; use the completion
// predicate for decisions, never direct string compares.
type TaskStatus struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StatusFetcher fetches the current status of a task from the backend.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// FetchFunc adapts a function to StatusFetcher.
type FetchFunc func(ctx context.Context, taskID string) (TaskStatus, error)

func (f FetchFunc) FetchStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	return f(ctx, taskID)
}

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 150 // 5 minutes at the default interval
)

// Options configures a TaskPoller. Zero values fall back to defaults; all
// callbacks are optional and are invoked outside the poller's lock.
type Options struct {
	Interval    time.Duration
	MaxAttempts int

	// IsComplete decides whether a status string is terminal. The default
	// accepts both backend vocabularies case-insensitively:
	// SUCCESS/FAILURE/REVOKED and success/failed.
	IsComplete func(status string) bool

	OnUpdate   func(TaskStatus) // every applied status, including the synthetic initial one
	OnComplete func(TaskStatus) // terminal status reached; poller already stopped
	OnError    func(error)      // fetch failed; poller already stopped, no automatic retry
	OnTimeout  func()           // attempts exceeded; poller already stopped
}

// DefaultIsComplete is the case-normalized terminal set shared by both task
// families the console talks to.
func DefaultIsComplete(status string) bool {
	switch strings.ToLower(status) {
	case "success", "failure", "failed", "revoked":
		return true
	}
	return false
}

// TaskPoller owns at most one recurring poll loop. Start is an idempotent
// restart, Stop is idempotent, and a stopped loop never delivers a late
// callback: every loop carries a generation number checked under the lock
// before any state is applied.
type TaskPoller struct {
	fetch StatusFetcher
	opts  Options

	mu       sync.Mutex
	gen      uint64
	taskID   string
	status   TaskStatus
	attempts int
	polling  bool
	inFlight bool
	cancel   context.CancelFunc
}

func New(fetch StatusFetcher, opts Options) *TaskPoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.IsComplete == nil {
		opts.IsComplete = DefaultIsComplete
	}
	return &TaskPoller{fetch: fetch, opts: opts}
}

// Start begins polling taskID, replacing any loop already running on this
// poller. A synthetic PENDING status is published before the first fetch.
func (p *TaskPoller) Start(taskID string) {
	p.StartFrom(taskID, "PENDING")
}

// StartFrom is Start with a caller-supplied initial status.
func (p *TaskPoller) StartFrom(taskID, initialStatus string) {
	p.mu.Lock()
	p.stopLocked()
	gen := p.gen
	p.taskID = taskID
	p.attempts = 0
	p.polling = true
	p.status = TaskStatus{TaskID: taskID, Status: initialStatus}
	onUpdate := p.opts.OnUpdate
	initial := p.status
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	if onUpdate != nil {
		onUpdate(initial)
	}
	go p.loop(ctx, gen, taskID)
}

// Stop halts polling. Safe to call repeatedly and from teardown paths; after
// Stop returns, no callback from the stopped loop will fire.
func (p *TaskPoller) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
}

// Reset stops polling and discards the local task handle.
func (p *TaskPoller) Reset() {
	p.mu.Lock()
	p.stopLocked()
	p.taskID = ""
	p.status = TaskStatus{}
	p.attempts = 0
	p.mu.Unlock()
}

// stopLocked invalidates the current loop generation. Late fetch results and
// ticks from the old loop see the bumped generation and drop themselves.
func (p *TaskPoller) stopLocked() {
	p.gen++
	p.polling = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *TaskPoller) TaskID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taskID
}

func (p *TaskPoller) Status() TaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *TaskPoller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *TaskPoller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

func (p *TaskPoller) loop(ctx context.Context, gen uint64, taskID string) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if p.inFlight {
			// Previous fetch still outstanding; skip this tick so statuses
			// are applied strictly in fetch order.
			p.mu.Unlock()
			continue
		}
		p.attempts++
		if p.attempts > p.opts.MaxAttempts {
			p.stopLocked()
			onTimeout := p.opts.OnTimeout
			p.mu.Unlock()
			if onTimeout != nil {
				onTimeout()
			}
			return
		}
		p.inFlight = true
		p.mu.Unlock()

		st, err := p.fetch.FetchStatus(ctx, taskID)

		p.mu.Lock()
		p.inFlight = false
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if err != nil {
			p.stopLocked()
			onError := p.opts.OnError
			p.mu.Unlock()
			if onError != nil {
				onError(err)
			}
			return
		}
		if st.TaskID == "" {
			st.TaskID = taskID
		}
		p.status = st
		onUpdate := p.opts.OnUpdate
		if p.opts.IsComplete(st.Status) {
			p.stopLocked()
			onComplete := p.opts.OnComplete
			p.mu.Unlock()
			if onUpdate != nil {
				onUpdate(st)
			}
			if onComplete != nil {
				onComplete(st)
			}
			return
		}
		p.mu.Unlock()
		if onUpdate != nil {
			onUpdate(st)
		}
	}
}
