package poller

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"ncm-console/pkg/kv"
)

// failingStore fails every Get with a storage-level error.
type failingStore struct {
	kv.Store
	err error
}

func (f failingStore) Get(string) (string, error) { return "", f.err }

func TestPersistent_StartWritesRefAndOverwrites(t *testing.T) {
	store := kv.NewMemoryStore()
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}
	p := NewPersistent(fetcher, store, "ncm.backup.task_id", Options{Interval: time.Hour})

	p.Start("task-1")
	if v, _ := store.Get("ncm.backup.task_id"); v != "task-1" {
		t.Fatalf("expected ref task-1, got %q", v)
	}
	p.Start("task-2")
	if v, _ := store.Get("ncm.backup.task_id"); v != "task-2" {
		t.Errorf("expected second start to overwrite ref, got %q", v)
	}
	p.Stop()
}

func TestPersistent_ResumeAfterRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}

	first := NewPersistent(fetcher, store, "ncm.discovery.scan_task_id", Options{Interval: time.Hour})
	first.Start("scan-42")
	first.Stop() // simulated reload: poller torn down, ref stays

	second := NewPersistent(fetcher, store, "ncm.discovery.scan_task_id", Options{Interval: time.Hour})
	id, ok := second.Resume()
	if !ok {
		t.Fatal("expected resume to find the persisted task id")
	}
	if id != "scan-42" {
		t.Errorf("expected to resume scan-42, got %s", id)
	}
	if second.TaskID() != "scan-42" {
		t.Errorf("expected poller tracking scan-42, got %s", second.TaskID())
	}
	if !second.IsPolling() {
		t.Error("expected resumed poller to be polling")
	}
	second.Stop()
}

func TestPersistent_ResumeWithEmptyStore(t *testing.T) {
	store := kv.NewMemoryStore()
	p := NewPersistent(&scriptedFetcher{}, store, "ncm.backup.task_id", Options{Interval: time.Hour})
	if _, ok := p.Resume(); ok {
		t.Error("expected no resume from an empty store")
	}
	if p.IsPolling() {
		t.Error("expected poller idle after empty resume")
	}
}

func TestPersistent_ResumeLogsStorageFailure(t *testing.T) {
	store := failingStore{Store: kv.NewMemoryStore(), err: errors.New("disk io error")}
	p := NewPersistent(&scriptedFetcher{}, store, "ncm.backup.task_id", Options{Interval: time.Hour})

	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	if _, ok := p.Resume(); ok {
		t.Error("expected no resume when the store is broken")
	}
	if p.IsPolling() {
		t.Error("expected poller idle after failed resume")
	}
	// A broken database must not look like "no task to resume".
	if !strings.Contains(buf.String(), "task ref read failed") {
		t.Errorf("expected the storage failure logged, got %q", buf.String())
	}
}

func TestPersistent_CompletionClearsRef(t *testing.T) {
	store := kv.NewMemoryStore()
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "SUCCESS"}}}
	done := make(chan struct{})
	p := NewPersistent(fetcher, store, "ncm.backup.task_id", Options{
		Interval:   5 * time.Millisecond,
		OnComplete: func(TaskStatus) { close(done) },
	})
	p.Start("task-1")
	waitFor(t, time.Second, done, "completion")
	if _, err := store.Get("ncm.backup.task_id"); err != kv.ErrNotFound {
		t.Errorf("expected ref cleared on terminal completion, got err=%v", err)
	}
}

func TestPersistent_TimeoutClearsRef(t *testing.T) {
	store := kv.NewMemoryStore()
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}
	done := make(chan struct{})
	p := NewPersistent(fetcher, store, "ncm.backup.task_id", Options{
		Interval:    5 * time.Millisecond,
		MaxAttempts: 2,
		OnTimeout:   func() { close(done) },
	})
	p.Start("task-1")
	waitFor(t, time.Second, done, "timeout")
	if _, err := store.Get("ncm.backup.task_id"); err != kv.ErrNotFound {
		t.Errorf("expected ref cleared on timeout, got err=%v", err)
	}
}

func TestPersistent_ClearRemovesRefAndResets(t *testing.T) {
	store := kv.NewMemoryStore()
	fetcher := &scriptedFetcher{statuses: []TaskStatus{{Status: "PENDING"}}}
	p := NewPersistent(fetcher, store, "ncm.backup.task_id", Options{Interval: time.Hour})
	p.Start("task-1")
	p.Clear()
	if _, err := store.Get("ncm.backup.task_id"); err != kv.ErrNotFound {
		t.Errorf("expected ref removed by Clear, got err=%v", err)
	}
	if p.TaskID() != "" || p.IsPolling() {
		t.Error("expected poller reset by Clear")
	}
}
