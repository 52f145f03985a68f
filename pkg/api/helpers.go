package api

import (
	"encoding/json"
	"log"
	"net/http"

	"ncm-console/pkg/stepup"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"code":    status,
		"message": msg,
	})
}

// otpGroupNotice is one entry of the otp_required_groups payload. Field names
// are part of the wire contract with the operator CLI.
type otpGroupNotice struct {
	DeptID        string   `json:"dept_id"`
	DeviceGroup   string   `json:"device_group"`
	TaskID        string   `json:"task_id,omitempty"`
	Message       string   `json:"message,omitempty"`
	WaitTimeout   int      `json:"wait_timeout,omitempty"`
	CacheTTL      int      `json:"cache_ttl,omitempty"`
	FailedTargets []string `json:"failed_targets,omitempty"`
}

// writeStepUpRequired answers 428 with the groups that still need an OTP
// grant before the operation may proceed.
func writeStepUpRequired(w http.ResponseWriter, msg string, groups []otpGroupNotice) {
	writeJSON(w, stepup.StatusStepUpRequired, map[string]interface{}{
		"code":    stepup.StatusStepUpRequired,
		"message": msg,
		"data": map[string]interface{}{
			"otp_required_groups": groups,
		},
	})
}
