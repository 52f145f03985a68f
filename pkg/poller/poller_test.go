package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedFetcher returns queued statuses in order, repeating the last one.
type scriptedFetcher struct {
	mu       sync.Mutex
	statuses []TaskStatus
	errs     []error
	calls    int
}

func (f *scriptedFetcher) FetchStatus(_ context.Context, taskID string) (TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return TaskStatus{}, f.errs[i]
	}
	if len(f.statuses) == 0 {
		return TaskStatus{TaskID: taskID, Status: "PENDING"}, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	st := f.statuses[i]
	st.TaskID = taskID
	return st, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, d time.Duration, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPoller_CompletesOnBothVocabularies(t *testing.T) {
	for _, status := range []string{"SUCCESS", "success", "FAILURE", "failed", "REVOKED"} {
		t.Run(status, func(t *testing.T) {
			fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: status}}}
			done := make(chan struct{})
			var completes, errs int
			p := New(fetcher, Options{
				Interval: 5 * time.Millisecond,
				OnComplete: func(st TaskStatus) {
					completes++
					if st.Status != status {
						t.Errorf("expected status %s, got %s", status, st.Status)
					}
					close(done)
				},
				OnError: func(error) { errs++ },
			})
			p.Start("task-1")
			waitFor(t, time.Second, done, "completion")
			time.Sleep(30 * time.Millisecond)
			if completes != 1 {
				t.Errorf("expected exactly one OnComplete, got %d", completes)
			}
			if errs != 0 {
				t.Errorf("expected no OnError, got %d", errs)
			}
			if p.IsPolling() {
				t.Error("expected polling stopped after completion")
			}
		})
	}
}

func TestPoller_PublishesInitialPendingBeforeFirstFetch(t *testing.T) {
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "SUCCESS"}}}
	var first TaskStatus
	var once sync.Once
	got := make(chan struct{})
	p := New(fetcher, Options{
		Interval: 20 * time.Millisecond,
		OnUpdate: func(st TaskStatus) {
			once.Do(func() {
				first = st
				close(got)
			})
		},
	})
	p.Start("task-9")
	waitFor(t, time.Second, got, "initial publish")
	if first.Status != "PENDING" {
		t.Errorf("expected synthetic PENDING, got %s", first.Status)
	}
	if first.TaskID != "task-9" {
		t.Errorf("expected task id task-9, got %s", first.TaskID)
	}
	if fetcher.callCount() != 0 && first.Status != "PENDING" {
		t.Error("initial status must be published before the first fetch")
	}
	p.Stop()
}

func TestPoller_FetchErrorStopsWithoutRetry(t *testing.T) {
	fetchErr := errors.New("connection refused")
	fetcher := &scriptedFetcher{errs: []error{fetchErr}}
	done := make(chan struct{})
	var gotErr error
	p := New(fetcher, Options{
		Interval: 5 * time.Millisecond,
		OnError: func(err error) {
			gotErr = err
			close(done)
		},
		OnComplete: func(TaskStatus) { t.Error("OnComplete must not fire on fetch error") },
	})
	p.Start("task-1")
	waitFor(t, time.Second, done, "error callback")
	if !errors.Is(gotErr, fetchErr) {
		t.Errorf("expected wrapped fetch error, got %v", gotErr)
	}
	calls := fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	if fetcher.callCount() != calls {
		t.Error("poller must not retry after a fetch error")
	}
	if p.IsPolling() {
		t.Error("expected polling stopped after error")
	}
}

func TestPoller_TimeoutFiresExactlyOnce(t *testing.T) {
	// maxAttempts 2: two PENDING polls, then the third scheduled attempt
	// check trips the timeout path.
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}
	done := make(chan struct{})
	var timeouts int
	p := New(fetcher, Options{
		Interval:    5 * time.Millisecond,
		MaxAttempts: 2,
		OnTimeout: func() {
			timeouts++
			close(done)
		},
		OnComplete: func(TaskStatus) { t.Error("OnComplete must not fire on timeout") },
		OnError:    func(error) { t.Error("OnError must not fire on timeout") },
	})
	p.Start("task-1")
	waitFor(t, time.Second, done, "timeout")
	time.Sleep(30 * time.Millisecond)
	if timeouts != 1 {
		t.Errorf("expected exactly one OnTimeout, got %d", timeouts)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("expected 2 fetches before timeout, got %d", fetcher.callCount())
	}
	if p.IsPolling() {
		t.Error("expected poller stopped after timeout")
	}
}

func TestPoller_StopIsIdempotentAndDropsLateCallbacks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fetcher := FetchFunc(func(_ context.Context, taskID string) (TaskStatus, error) {
		once.Do(func() { close(started) })
		<-release
		return TaskStatus{TaskID: taskID, Status: "SUCCESS"}, nil
	})
	var completed bool
	p := New(fetcher, Options{
		Interval:   5 * time.Millisecond,
		OnComplete: func(TaskStatus) { completed = true },
	})
	p.Start("task-1")
	waitFor(t, time.Second, started, "first fetch")
	p.Stop()
	p.Stop()
	close(release)
	time.Sleep(50 * time.Millisecond)
	if completed {
		t.Error("stopped poller must not deliver a late OnComplete")
	}
	if p.IsPolling() {
		t.Error("expected IsPolling false after Stop")
	}
}

func TestPoller_SkipsTickWhileFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	fetcher := FetchFunc(func(_ context.Context, taskID string) (TaskStatus, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return TaskStatus{TaskID: taskID, Status: "SUCCESS"}, nil
	})
	done := make(chan struct{})
	p := New(fetcher, Options{
		Interval:   5 * time.Millisecond,
		OnComplete: func(TaskStatus) { close(done) },
	})
	p.Start("task-1")
	time.Sleep(50 * time.Millisecond) // several ticks elapse while the fetch hangs
	close(release)
	waitFor(t, time.Second, done, "completion")
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("expected at most one outstanding fetch, saw %d", maxInFlight)
	}
}

func TestPoller_RestartResetsAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}
	p := New(fetcher, Options{Interval: 5 * time.Millisecond})
	p.Start("task-1")
	time.Sleep(40 * time.Millisecond)
	if p.Attempts() == 0 {
		t.Fatal("expected some attempts before restart")
	}
	p.Start("task-2")
	if p.TaskID() != "task-2" {
		t.Errorf("expected task-2 after restart, got %s", p.TaskID())
	}
	if got := p.Status().Status; got != "PENDING" {
		t.Errorf("expected fresh PENDING after restart, got %s", got)
	}
	p.Stop()
}
