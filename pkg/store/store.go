package store

import "ncm-console/pkg/model"

// Store defines the persistence layer for console state.
// Backed by memory for dev/demo or Consul KV (build tag consul).
type Store interface {
	UpsertDevice(model.Device) error
	ListDevices() ([]model.Device, error)
	GetDevice(id string) (model.Device, bool, error)

	UpsertGroup(model.DeviceGroup) error
	GetGroup(deptID, group string) (model.DeviceGroup, bool, error)
	ListGroups() ([]model.DeviceGroup, error)

	SaveTask(model.Task) error
	GetTask(id string) (model.Task, bool, error)
	ListTasks(kind string, limit int) ([]model.Task, error)

	SaveDeployment(model.Deployment) error
	GetDeployment(id string) (model.Deployment, bool, error)
	ListDeployments(limit int) ([]model.Deployment, error)

	// Baselines are pre-deploy config captures; device configs are the
	// running config used for hash comparison in the rollback preview.
	SaveBaseline(model.ConfigBaseline) error
	GetBaseline(deviceID string) (model.ConfigBaseline, bool, error)
	SetDeviceConfig(deviceID, content string) error
	GetDeviceConfig(deviceID string) (string, bool, error)

	SaveGrant(model.StepUpGrant) error
	GetGrant(deptID, group string) (model.StepUpGrant, bool, error)

	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
}

// NewMemory is a helper to construct the in-memory implementation without
// importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}
