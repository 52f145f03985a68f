//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"ncm-console/pkg/model"
)

// Store is a Consul-backed console store implementation.
type Store struct {
	cli *consulapi.Client
}

const (
	devicePrefix     = "ncm/devices/"
	groupPrefix      = "ncm/groups/"
	taskPrefix       = "ncm/tasks/"
	deploymentPrefix = "ncm/deployments/"
	baselinePrefix   = "ncm/baselines/"
	configPrefix     = "ncm/configs/"
	grantPrefix      = "ncm/grants/"
	auditPrefix      = "ncm/audit/"
)

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		log.Printf("consul client init failed addr=%s err=%v", cfg.Address, err)
		return &Store{}
	}
	return &Store{cli: cli}
}

func (s *Store) put(key string, v interface{}) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	if s.cli == nil {
		return false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(key, nil)
	if err != nil || kv == nil {
		return false, err
	}
	if err := json.Unmarshal(kv.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) list(prefix string, each func([]byte)) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(prefix, nil)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		each(p.Value)
	}
	return nil
}

func (s *Store) UpsertDevice(d model.Device) error {
	return s.put(devicePrefix+d.ID, d)
}

func (s *Store) ListDevices() ([]model.Device, error) {
	var out []model.Device
	err := s.list(devicePrefix, func(b []byte) {
		var d model.Device
		if json.Unmarshal(b, &d) == nil {
			out = append(out, d)
		}
	})
	return out, err
}

func (s *Store) GetDevice(id string) (model.Device, bool, error) {
	var d model.Device
	ok, err := s.get(devicePrefix+id, &d)
	return d, ok, err
}

func (s *Store) UpsertGroup(g model.DeviceGroup) error {
	return s.put(groupPrefix+g.DeptID+"/"+g.Group, g)
}

func (s *Store) GetGroup(deptID, group string) (model.DeviceGroup, bool, error) {
	var g model.DeviceGroup
	ok, err := s.get(groupPrefix+deptID+"/"+group, &g)
	return g, ok, err
}

func (s *Store) ListGroups() ([]model.DeviceGroup, error) {
	var out []model.DeviceGroup
	err := s.list(groupPrefix, func(b []byte) {
		var g model.DeviceGroup
		if json.Unmarshal(b, &g) == nil {
			out = append(out, g)
		}
	})
	return out, err
}

func (s *Store) SaveTask(t model.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	return s.put(taskPrefix+t.ID, t)
}

func (s *Store) GetTask(id string) (model.Task, bool, error) {
	var t model.Task
	ok, err := s.get(taskPrefix+id, &t)
	return t, ok, err
}

func (s *Store) ListTasks(kind string, limit int) ([]model.Task, error) {
	var out []model.Task
	err := s.list(taskPrefix, func(b []byte) {
		var t model.Task
		if json.Unmarshal(b, &t) == nil && (kind == "" || t.Kind == kind) {
			out = append(out, t)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

func (s *Store) SaveDeployment(d model.Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.UpdatedAt = time.Now()
	return s.put(deploymentPrefix+d.ID, d)
}

func (s *Store) GetDeployment(id string) (model.Deployment, bool, error) {
	var d model.Deployment
	ok, err := s.get(deploymentPrefix+id, &d)
	return d, ok, err
}

func (s *Store) ListDeployments(limit int) ([]model.Deployment, error) {
	var out []model.Deployment
	err := s.list(deploymentPrefix, func(b []byte) {
		var d model.Deployment
		if json.Unmarshal(b, &d) == nil {
			out = append(out, d)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

func (s *Store) SaveBaseline(b model.ConfigBaseline) error {
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now()
	}
	return s.put(baselinePrefix+b.DeviceID, b)
}

func (s *Store) GetBaseline(deviceID string) (model.ConfigBaseline, bool, error) {
	var b model.ConfigBaseline
	ok, err := s.get(baselinePrefix+deviceID, &b)
	return b, ok, err
}

func (s *Store) SetDeviceConfig(deviceID, content string) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.KV().Put(&consulapi.KVPair{Key: configPrefix + deviceID, Value: []byte(content)}, nil)
	return err
}

func (s *Store) GetDeviceConfig(deviceID string) (string, bool, error) {
	if s.cli == nil {
		return "", false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(configPrefix+deviceID, nil)
	if err != nil || kv == nil {
		return "", false, err
	}
	return string(kv.Value), true, nil
}

func (s *Store) SaveGrant(g model.StepUpGrant) error {
	return s.put(grantPrefix+g.DeptID+"/"+g.Group, g)
}

func (s *Store) GetGrant(deptID, group string) (model.StepUpGrant, bool, error) {
	var g model.StepUpGrant
	ok, err := s.get(grantPrefix+deptID+"/"+group, &g)
	return g, ok, err
}

func (s *Store) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%d-%s", auditPrefix, entry.Timestamp.UnixNano(), entry.Target)
	return s.put(key, entry)
}

func (s *Store) ListAudit(limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := s.list(auditPrefix, func(b []byte) {
		var e model.AuditEntry
		if json.Unmarshal(b, &e) == nil {
			out = append(out, e)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

// LeaderGuard runs cb while holding a Consul lock on key; used so only one
// console instance sweeps stale tasks when several share a store.
func (s *Store) LeaderGuard(ctx context.Context, key string, retry time.Duration, cb func(context.Context)) {
	if s.cli == nil || cb == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		lock, err := s.cli.LockKey(key)
		if err != nil {
			time.Sleep(retry)
			continue
		}
		lost, err := lock.Lock(ctx.Done())
		if err != nil || lost == nil {
			time.Sleep(retry)
			continue
		}
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lost:
			case <-ctx.Done():
			}
			cancel()
		}()
		cb(lctx)
		_ = lock.Unlock()
		cancel()
	}
}

// Client exposes the underlying Consul client for watch helpers.
func (s *Store) Client() *consulapi.Client {
	return s.cli
}
