package api

import (
	"encoding/json"
	"net/http"

	"ncm-console/pkg/model"
	"ncm-console/pkg/store"
)

// RegisterDeviceRoutes exposes the device inventory and group policy.
func RegisterDeviceRoutes(mux *http.ServeMux, st store.Store, auth func(r *http.Request) bool) {
	mux.HandleFunc("/api/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			devices, err := st.ListDevices()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list devices")
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"items": devices})
		case http.MethodPost:
			var d model.Device
			if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
				writeError(w, http.StatusBadRequest, "device id is required")
				return
			}
			if err := st.UpsertDevice(d); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to save device")
				return
			}
			writeJSON(w, http.StatusOK, d)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/groups", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			groups, err := st.ListGroups()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list groups")
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"items": groups})
		case http.MethodPost:
			var g model.DeviceGroup
			if err := json.NewDecoder(r.Body).Decode(&g); err != nil || g.DeptID == "" || g.Group == "" {
				writeError(w, http.StatusBadRequest, "deptId and group are required")
				return
			}
			if err := st.UpsertGroup(g); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to save group")
				return
			}
			writeJSON(w, http.StatusOK, g)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
