package poller

import (
	"errors"
	"log"

	"ncm-console/pkg/kv"
)

// PersistentTaskPoller is a TaskPoller whose in-flight task id survives a
// process restart. Start writes the id under the storage key before polling;
// terminal completion and timeout remove it so a dead task id is never
// resumed. At most one task id lives under a key: a second Start overwrites.
type PersistentTaskPoller struct {
	*TaskPoller
	store kv.Store
	key   string
}

// NewPersistent wraps a poller with durable task-id tracking under storageKey.
// Keys identify a logical polling slot ("ncm.discovery.scan_task_id"), not a
// task instance, and must be stable across restarts.
func NewPersistent(fetch StatusFetcher, store kv.Store, storageKey string, opts Options) *PersistentTaskPoller {
	p := &PersistentTaskPoller{store: store, key: storageKey}

	userComplete := opts.OnComplete
	opts.OnComplete = func(st TaskStatus) {
		p.removeRef()
		if userComplete != nil {
			userComplete(st)
		}
	}
	userTimeout := opts.OnTimeout
	opts.OnTimeout = func() {
		p.removeRef()
		if userTimeout != nil {
			userTimeout()
		}
	}

	p.TaskPoller = New(fetch, opts)
	return p
}

// Start records the task id durably, then begins polling it.
func (p *PersistentTaskPoller) Start(taskID string) {
	if err := p.store.Set(p.key, taskID); err != nil {
		log.Printf("task ref persist failed key=%s: %v", p.key, err)
	}
	p.TaskPoller.Start(taskID)
}

// Resume restarts polling for the task id persisted under the storage key, if
// any. Returns the resumed id and whether a resume happened. Call once at
// startup; this is what keeps a reload mid-backup showing live progress.
func (p *PersistentTaskPoller) Resume() (string, bool) {
	id, err := p.store.Get(p.key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Printf("task ref read failed key=%s: %v", p.key, err)
		}
		return "", false
	}
	if id == "" {
		return "", false
	}
	p.TaskPoller.Start(id)
	return id, true
}

// Clear removes the durable ref and resets the poller. Call on explicit user
// cancellation; terminal completion clears automatically.
func (p *PersistentTaskPoller) Clear() {
	p.removeRef()
	p.TaskPoller.Reset()
}

func (p *PersistentTaskPoller) removeRef() {
	if err := p.store.Remove(p.key); err != nil {
		log.Printf("task ref remove failed key=%s: %v", p.key, err)
	}
}
