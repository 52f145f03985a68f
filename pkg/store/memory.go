package store

import (
	"sort"
	"sync"
	"time"

	"ncm-console/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]model.Device
	groups      map[string]model.DeviceGroup // keyed dept|group
	tasks       map[string]model.Task
	deployments map[string]model.Deployment
	baselines   map[string]model.ConfigBaseline
	configs     map[string]string
	grants      map[string]model.StepUpGrant // keyed dept|group
	audit       []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[string]model.Device),
		groups:      make(map[string]model.DeviceGroup),
		tasks:       make(map[string]model.Task),
		deployments: make(map[string]model.Deployment),
		baselines:   make(map[string]model.ConfigBaseline),
		configs:     make(map[string]string),
		grants:      make(map[string]model.StepUpGrant),
	}
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) UpsertDevice(d model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryStore) ListDevices() ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetDevice(id string) (model.Device, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok, nil
}

func (m *MemoryStore) UpsertGroup(g model.DeviceGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.Key()] = g
	return nil
}

func (m *MemoryStore) GetGroup(deptID, group string) (model.DeviceGroup, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[deptID+"|"+group]
	return g, ok, nil
}

func (m *MemoryStore) ListGroups() ([]model.DeviceGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DeviceGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemoryStore) SaveTask(t model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTask(id string) (model.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *MemoryStore) ListTasks(kind string, limit int) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Task{}
	for _, t := range m.tasks {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) SaveDeployment(d model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.UpdatedAt = time.Now()
	m.deployments[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDeployment(id string) (model.Deployment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	return d, ok, nil
}

func (m *MemoryStore) ListDeployments(limit int) ([]model.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) SaveBaseline(b model.ConfigBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now()
	}
	m.baselines[b.DeviceID] = b
	return nil
}

func (m *MemoryStore) GetBaseline(deviceID string) (model.ConfigBaseline, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[deviceID]
	return b, ok, nil
}

func (m *MemoryStore) SetDeviceConfig(deviceID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[deviceID] = content
	return nil
}

func (m *MemoryStore) GetDeviceConfig(deviceID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[deviceID]
	return c, ok, nil
}

func (m *MemoryStore) SaveGrant(g model.StepUpGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.DeptID+"|"+g.Group] = g
	return nil
}

func (m *MemoryStore) GetGrant(deptID, group string) (model.StepUpGrant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[deptID+"|"+group]
	return g, ok, nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	start := len(m.audit) - limit
	for i := start; i < len(m.audit); i++ {
		out = append(out, m.audit[i])
	}
	return out, nil
}
