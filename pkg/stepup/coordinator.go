package stepup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Verifier checks an OTP code for a (dept, group) pair against the backend.
// Verification is a separate call from the resumed operation: the original
// operation may have partially succeeded and must not be blindly retried here.
type Verifier interface {
	VerifyOTP(ctx context.Context, deptID, deviceGroup, code string) error
}

// ResumeFunc is the captured continuation of the interrupted operation. It
// decides what to re-attempt; the coordinator never retries on its own.
type ResumeFunc func(ctx context.Context, otpCode string) error

// Prompt is the state of the single visible authorization dialog.
type Prompt struct {
	Requirement Requirement
	Busy        bool
	ErrMsg      string
}

// Prompter renders prompt state. The CLI implementation reads a code from
// stdin; tests record calls.
type Prompter interface {
	Show(Prompt)
	Update(Prompt)
	Hide()
}

// ErrStepUpPending is returned by Run when an operation was intercepted and
// queued for authorization instead of failing outright.
var ErrStepUpPending = fmt.Errorf("operation pending step-up authorization")

const (
	DefaultCodeLength  = 6
	DefaultWaitTimeout = 60 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	CodeLength  int
	WaitTimeout time.Duration // used when the requirement carries no window
	Prompter    Prompter
	Notify      func(msg string) // out-of-band notices (prompt expiry)
}

type pending struct {
	req    Requirement
	resume ResumeFunc
}

// Coordinator serializes human attention: at most one requirement is active
// (shown) at a time, the rest wait in an ordered queue, and no two queued or
// active requirements share a dedup key. Construct explicitly and inject;
// Close releases timers.
type Coordinator struct {
	verifier Verifier
	opts     Options

	mu       sync.Mutex
	active   *pending
	queue    []pending
	busy     bool
	errMsg   string
	timer    *time.Timer
	timerGen uint64
	closed   bool
}

func NewCoordinator(verifier Verifier, opts Options) *Coordinator {
	if opts.CodeLength <= 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Coordinator{verifier: verifier, opts: opts}
}

// Open registers a requirement and its continuation. Requirements matching
// the active prompt or a queued entry by key are coalesced; otherwise the
// entry is queued and, when nothing is active, promoted immediately.
func (c *Coordinator) Open(req Requirement, resume ResumeFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	key := req.Key()
	if c.active != nil && c.active.req.Key() == key {
		c.mu.Unlock()
		return
	}
	for _, p := range c.queue {
		if p.req.Key() == key {
			c.mu.Unlock()
			return
		}
	}
	c.queue = append(c.queue, pending{req: req, resume: resume})
	show := c.promoteLocked()
	c.mu.Unlock()
	c.render(show)
}

// Handle inspects an operation error; when it is a step-up signal, every
// requirement it carries is opened with the given continuation and the error
// is considered absorbed. Returns false for any other error.
func (c *Coordinator) Handle(err error, resume ResumeFunc) bool {
	reqs, ok := RequirementsFromError(err)
	if !ok {
		return false
	}
	for _, req := range reqs {
		c.Open(req, resume)
	}
	return true
}

// Run executes op, transparently routing any step-up failure through the
// prompt queue with a resume that re-runs op. Returns ErrStepUpPending when
// the operation was intercepted; a later resume failure with a fresh 428 for
// another group re-enters here and is queued the same way.
func (c *Coordinator) Run(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	handled := c.Handle(err, func(ctx context.Context, _ string) error {
		return c.Run(ctx, op)
	})
	if handled {
		return ErrStepUpPending
	}
	return err
}

// Submit verifies the operator's code for the active requirement and, on
// success, resumes the interrupted operation.
func (c *Coordinator) Submit(ctx context.Context, code string) error {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return fmt.Errorf("no pending authorization")
	}
	if c.busy {
		c.mu.Unlock()
		return fmt.Errorf("verification already in progress")
	}
	if len(code) != c.opts.CodeLength {
		// Rejected locally; no verification round-trip is spent.
		c.errMsg = fmt.Sprintf("code must be %d digits", c.opts.CodeLength)
		p := c.promptLocked()
		c.mu.Unlock()
		c.update(p)
		return fmt.Errorf("code must be %d digits", c.opts.CodeLength)
	}
	c.busy = true
	c.errMsg = ""
	req := c.active.req
	busyPrompt := c.promptLocked()
	c.mu.Unlock()
	c.update(busyPrompt)

	err := c.verifier.VerifyOTP(ctx, req.DeptID, req.DeviceGroup, code)
	if err != nil {
		// Either way the prompt stays open so the operator keeps context;
		// a 428 means the code itself was wrong or expired.
		c.mu.Lock()
		c.busy = false
		if IsStepUpRequired(err) {
			c.errMsg = "invalid or expired code"
		} else {
			c.errMsg = "verification failed, please retry"
		}
		p := c.promptLocked()
		c.mu.Unlock()
		c.update(p)
		return err
	}

	// Verified: close the prompt and clear the busy flag before resuming, so
	// a fresh 428 raised by the resume gets an immediately interactive prompt.
	c.mu.Lock()
	entry := *c.active
	c.active = nil
	c.busy = false
	c.errMsg = ""
	c.stopTimerLocked()
	c.mu.Unlock()
	c.hide()

	var resumeErr error
	if entry.resume != nil {
		resumeErr = entry.resume(ctx, code)
		if resumeErr != nil && IsStepUpRequired(resumeErr) {
			// Resume tripped a new requirement (different dept/group); queue
			// it with the same continuation. Dedup makes this idempotent when
			// the resume already routed through Run.
			c.Handle(resumeErr, entry.resume)
			resumeErr = nil
		}
	}

	c.mu.Lock()
	show := c.promoteLocked()
	c.mu.Unlock()
	c.render(show)
	return resumeErr
}

// Dismiss drops the active requirement without resuming it and surfaces the
// next queued one, if any.
func (c *Coordinator) Dismiss() {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.busy = false
	c.errMsg = ""
	c.stopTimerLocked()
	show := c.promoteLocked()
	c.mu.Unlock()
	c.hide()
	c.render(show)
}

// Close tears the coordinator down: active prompt hidden, queue discarded,
// timers stopped. Subsequent Opens are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.active = nil
	c.queue = nil
	c.busy = false
	c.stopTimerLocked()
	c.mu.Unlock()
	c.hide()
}

// Active returns the requirement currently being shown, if any.
func (c *Coordinator) Active() (Requirement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Requirement{}, false
	}
	return c.active.req, true
}

// Showing reports whether a prompt is visible.
func (c *Coordinator) Showing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// QueueLen reports how many requirements wait behind the active one.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ErrMsg returns the current field-level prompt message.
func (c *Coordinator) ErrMsg() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Busy reports whether a verification call is in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// promoteLocked moves the queue head to active when nothing is shown and arms
// its idle timer. Returns the prompt to show, or nil.
func (c *Coordinator) promoteLocked() *Prompt {
	if c.active != nil || len(c.queue) == 0 || c.closed {
		return nil
	}
	head := c.queue[0]
	c.queue = c.queue[1:]
	c.active = &head
	c.busy = false
	c.errMsg = ""

	wait := c.opts.WaitTimeout
	if head.req.WaitTimeoutSec > 0 {
		wait = time.Duration(head.req.WaitTimeoutSec) * time.Second
	}
	c.timerGen++
	gen := c.timerGen
	c.stopTimerLocked()
	c.timer = time.AfterFunc(wait, func() { c.expire(gen) })

	p := c.promptLocked()
	return &p
}

// expire drops the active requirement when the operator never answered. The
// queue is untouched; the next requirement is promoted.
func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if c.closed || c.active == nil || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	req := c.active.req
	c.active = nil
	c.busy = false
	c.errMsg = ""
	show := c.promoteLocked()
	notify := c.opts.Notify
	c.mu.Unlock()

	log.Printf("step-up prompt expired dept=%s group=%s", req.DeptID, req.DeviceGroup)
	c.hide()
	if notify != nil {
		notify(fmt.Sprintf("authorization for %s/%s timed out; the operation was not resumed", req.DeptID, req.DeviceGroup))
	}
	c.render(show)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) promptLocked() Prompt {
	return Prompt{Requirement: c.active.req, Busy: c.busy, ErrMsg: c.errMsg}
}

func (c *Coordinator) render(p *Prompt) {
	if p == nil || c.opts.Prompter == nil {
		return
	}
	c.opts.Prompter.Show(*p)
}

func (c *Coordinator) update(p Prompt) {
	if c.opts.Prompter != nil {
		c.opts.Prompter.Update(p)
	}
}

func (c *Coordinator) hide() {
	if c.opts.Prompter != nil {
		c.opts.Prompter.Hide()
	}
}
