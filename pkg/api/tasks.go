package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ncm-console/pkg/model"
	"ncm-console/pkg/runner"
	"ncm-console/pkg/store"
)

// RegisterTaskRoutes exposes task status plus the backup and discovery jobs.
func RegisterTaskRoutes(mux *http.ServeMux, st store.Store, auth func(r *http.Request) bool, run *runner.Runner) {
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		kind := r.URL.Query().Get("kind")
		items, err := st.ListTasks(kind, 50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	})

	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "task id required")
			return
		}
		task, ok, err := st.GetTask(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load task")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, task)
	})

	mux.HandleFunc("/api/v1/devices/backup", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DeviceIDs []string `json:"device_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if len(req.DeviceIDs) == 0 {
			devices, err := st.ListDevices()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list devices")
				return
			}
			for _, d := range devices {
				req.DeviceIDs = append(req.DeviceIDs, d.ID)
			}
		}
		if len(req.DeviceIDs) == 0 {
			writeError(w, http.StatusBadRequest, "no devices to back up")
			return
		}
		taskID := run.StartBackup(req.DeviceIDs)
		_ = st.AppendAudit(model.AuditEntry{
			Actor:     actorFrom(r),
			Action:    "backup",
			Target:    taskID,
			Detail:    "backup of " + itoa(len(req.DeviceIDs)) + " devices",
			Timestamp: time.Now(),
		})
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
	})

	mux.HandleFunc("/api/v1/discovery/scan", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Subnet string `json:"subnet"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subnet == "" {
			writeError(w, http.StatusBadRequest, "subnet is required")
			return
		}
		taskID := run.StartScan(req.Subnet)
		_ = st.AppendAudit(model.AuditEntry{
			Actor:     actorFrom(r),
			Action:    "scan",
			Target:    taskID,
			Detail:    "discovery scan of " + req.Subnet,
			Timestamp: time.Now(),
		})
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
	})
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
