package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Two task families report status in different vocabularies: backup/scan jobs
// use the uppercase set (PENDING/STARTED/SUCCESS/FAILURE/REVOKED), config-push
// jobs use the lowercase set (pending/running/success/failed). Compare
// case-insensitively; see IsTerminalStatus.
const (
	TaskPending = "PENDING"
	TaskStarted = "STARTED"
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILURE"
	TaskRevoked = "REVOKED"

	PushPending = "pending"
	PushRunning = "running"
	PushSuccess = "success"
	PushFailed  = "failed"
)

var terminalTaskStatuses = map[string]bool{
	"success": true,
	"failure": true,
	"failed":  true,
	"revoked": true,
}

// IsTerminalStatus reports whether a task status string, from either family,
// means the job will never change again.
func IsTerminalStatus(status string) bool {
	return terminalTaskStatuses[strings.ToLower(status)]
}

// TaskStep captures one step of a multi-step job for progress display.
type TaskStep struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // pending/running/success/fail
	Message   string    `json:"message,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the server-side record of one async job (backup, scan, config push).
type Task struct {
	ID        string          `json:"task_id"`
	Kind      string          `json:"kind"` // backup / scan / config_push / rollback
	Status    string          `json:"status"`
	Targets   []string        `json:"targets,omitempty"`
	Progress  *TaskProgress   `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Steps     []TaskStep      `json:"steps,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TaskProgress is the structured progress shape reported by the runner.
type TaskProgress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Detail  string `json:"detail,omitempty"`
}
