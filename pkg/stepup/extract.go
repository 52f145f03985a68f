// Package stepup implements the OTP step-up flow: detecting the
// "authorization required" signal on failed operations, serializing the
// resulting prompts one at a time, and resuming the interrupted operation
// after the operator supplies a valid code.
package stepup

import (
	"errors"
	"fmt"
)

// StatusStepUpRequired is carried either as the real HTTP status or as a
// business code inside a 200-wrapped envelope; detection accepts both.
const StatusStepUpRequired = 428

// APIError is a decoded error response from the console backend.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Payload    map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("api error %d", e.HTTPStatus)
}

// Requirement is one pending authorization need for a (dept, group) pair.
type Requirement struct {
	DeptID         string
	DeviceGroup    string
	TaskID         string
	Message        string
	FailedTargets  []string
	WaitTimeoutSec int
	CacheTTLSec    int
}

// Key is the dedup identity: the same dept+group+task is coalesced, never
// prompted twice.
func (r Requirement) Key() string {
	return r.DeptID + "|" + r.DeviceGroup + "|" + r.TaskID
}

// IsStepUpRequired reports whether err carries the 428 signal, by status or
// business code, regardless of payload shape.
func IsStepUpRequired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatus == StatusStepUpRequired || apiErr.Code == StatusStepUpRequired
}

// The server has encoded the requirement in several historical shapes. Each
// extractor parses one shape; FromError tries them in priority order and takes
// the first that yields a valid (dept, group) pair.
type extractor func(*APIError) (Requirement, bool)

var extractors = []extractor{
	extractDetails,
	extractOTPGroups,
	extractFlatData,
	extractLegacyNotice,
}

// FromError returns the requirement carried by a step-up error. When the
// status matches but no shape parses, a minimal placeholder requirement is
// synthesized: a vague prompt beats a silently stuck operation.
func FromError(err error) (Requirement, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return Requirement{}, false
	}
	if apiErr.HTTPStatus != StatusStepUpRequired && apiErr.Code != StatusStepUpRequired {
		return Requirement{}, false
	}
	for _, ex := range extractors {
		if req, ok := ex(apiErr); ok {
			if req.Message == "" {
				req.Message = apiErr.Message
			}
			return req, true
		}
	}
	msg := apiErr.Message
	if msg == "" {
		msg = "additional authorization required"
	}
	return Requirement{DeptID: "unknown", DeviceGroup: "unknown", Message: msg}, true
}

// Shape 1: {"details": {"dept_id": ..., "device_group": ...}}
func extractDetails(e *APIError) (Requirement, bool) {
	m, ok := e.Payload["details"].(map[string]interface{})
	if !ok {
		return Requirement{}, false
	}
	return requirementFromMap(m)
}

// Shape 2: {"data": {"otp_required_groups": [{...}, ...]}} — bulk operations
// report one entry per group; the caller opens one requirement each, so only
// the envelope's first entry is taken here and the rest surface through
// RequirementsFromError.
func extractOTPGroups(e *APIError) (Requirement, bool) {
	groups := otpGroupList(e)
	if len(groups) == 0 {
		return Requirement{}, false
	}
	return requirementFromMap(groups[0])
}

// Shape 3: {"data": {"dept_id": ..., "device_group": ...}}
func extractFlatData(e *APIError) (Requirement, bool) {
	m, ok := e.Payload["data"].(map[string]interface{})
	if !ok {
		return Requirement{}, false
	}
	return requirementFromMap(m)
}

// Shape 4 (legacy): {"otp_notice": {"dept": ..., "group": ...}}
func extractLegacyNotice(e *APIError) (Requirement, bool) {
	m, ok := e.Payload["otp_notice"].(map[string]interface{})
	if !ok {
		return Requirement{}, false
	}
	req := Requirement{
		DeptID:      stringField(m, "dept"),
		DeviceGroup: stringField(m, "group"),
		Message:     stringField(m, "message"),
	}
	if req.DeptID == "" || req.DeviceGroup == "" {
		return Requirement{}, false
	}
	return req, true
}

// RequirementsFromError expands a step-up error into every distinct
// requirement it carries: one per entry of otp_required_groups, or the single
// requirement FromError finds for the other shapes.
func RequirementsFromError(err error) ([]Requirement, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if groups := otpGroupList(apiErr); len(groups) > 1 {
			var out []Requirement
			for _, g := range groups {
				if req, ok := requirementFromMap(g); ok {
					out = append(out, req)
				}
			}
			if len(out) > 0 {
				return out, true
			}
		}
	}
	req, ok := FromError(err)
	if !ok {
		return nil, false
	}
	return []Requirement{req}, true
}

func otpGroupList(e *APIError) []map[string]interface{} {
	data, ok := e.Payload["data"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data["otp_required_groups"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func requirementFromMap(m map[string]interface{}) (Requirement, bool) {
	req := Requirement{
		DeptID:         stringField(m, "dept_id"),
		DeviceGroup:    stringField(m, "device_group"),
		TaskID:         stringField(m, "task_id"),
		Message:        stringField(m, "message"),
		WaitTimeoutSec: intField(m, "wait_timeout"),
		CacheTTLSec:    intField(m, "cache_ttl"),
	}
	if raw, ok := m["failed_targets"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				req.FailedTargets = append(req.FailedTargets, s)
			}
		}
	}
	if req.DeptID == "" || req.DeviceGroup == "" {
		return Requirement{}, false
	}
	return req, true
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
