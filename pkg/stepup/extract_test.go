package stepup

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromError_NonStepUpErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"plain error", errors.New("boom")},
		{"api 500", &APIError{HTTPStatus: 500, Message: "internal"}},
		{"api 403", &APIError{HTTPStatus: 403, Code: 403}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := FromError(tt.err); ok {
				t.Error("expected no requirement from non step-up error")
			}
			if IsStepUpRequired(tt.err) {
				t.Error("expected IsStepUpRequired false")
			}
		})
	}
}

func TestFromError_PayloadShapes(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]interface{}
		wantDept string
		wantGrp  string
	}{
		{
			name: "details object",
			payload: map[string]interface{}{
				"details": map[string]interface{}{
					"dept_id":      "d1",
					"device_group": "core",
					"wait_timeout": float64(90),
					"cache_ttl":    float64(300),
				},
			},
			wantDept: "d1", wantGrp: "core",
		},
		{
			name: "otp_required_groups list",
			payload: map[string]interface{}{
				"data": map[string]interface{}{
					"otp_required_groups": []interface{}{
						map[string]interface{}{"dept_id": "d2", "device_group": "access"},
					},
				},
			},
			wantDept: "d2", wantGrp: "access",
		},
		{
			name: "flat data object",
			payload: map[string]interface{}{
				"data": map[string]interface{}{
					"dept_id":        "d3",
					"device_group":   "edge",
					"failed_targets": []interface{}{"sw-1", "sw-2"},
				},
			},
			wantDept: "d3", wantGrp: "edge",
		},
		{
			name: "legacy otp_notice",
			payload: map[string]interface{}{
				"otp_notice": map[string]interface{}{"dept": "d4", "group": "dist"},
			},
			wantDept: "d4", wantGrp: "dist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &APIError{HTTPStatus: StatusStepUpRequired, Payload: tt.payload}
			req, ok := FromError(err)
			if !ok {
				t.Fatal("expected a requirement")
			}
			if req.DeptID != tt.wantDept || req.DeviceGroup != tt.wantGrp {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantDept, tt.wantGrp, req.DeptID, req.DeviceGroup)
			}
		})
	}
}

func TestFromError_ShapePriorityOrder(t *testing.T) {
	// When several shapes are present, details wins over data, which wins
	// over the legacy notice.
	err := &APIError{
		HTTPStatus: StatusStepUpRequired,
		Payload: map[string]interface{}{
			"details":    map[string]interface{}{"dept_id": "from-details", "device_group": "g"},
			"data":       map[string]interface{}{"dept_id": "from-data", "device_group": "g"},
			"otp_notice": map[string]interface{}{"dept": "from-legacy", "group": "g"},
		},
	}
	req, ok := FromError(err)
	if !ok {
		t.Fatal("expected a requirement")
	}
	if req.DeptID != "from-details" {
		t.Errorf("expected details shape to win, got dept %s", req.DeptID)
	}
}

func TestFromError_BusinessCodeInWrappedEnvelope(t *testing.T) {
	err := &APIError{
		HTTPStatus: 200,
		Code:       428,
		Payload: map[string]interface{}{
			"data": map[string]interface{}{"dept_id": "d1", "device_group": "core"},
		},
	}
	if !IsStepUpRequired(err) {
		t.Fatal("expected business code 428 to be detected")
	}
	if _, ok := FromError(err); !ok {
		t.Error("expected requirement from enveloped 428")
	}
}

func TestFromError_MalformedPayloadSynthesizesPlaceholder(t *testing.T) {
	err := &APIError{
		HTTPStatus: StatusStepUpRequired,
		Message:    "otp required",
		Payload:    map[string]interface{}{"details": "not an object"},
	}
	req, ok := FromError(err)
	if !ok {
		t.Fatal("a 428 with an unparseable body must not be dropped")
	}
	if req.DeptID != "unknown" || req.DeviceGroup != "unknown" {
		t.Errorf("expected placeholder identifiers, got %s/%s", req.DeptID, req.DeviceGroup)
	}
	if req.Message != "otp required" {
		t.Errorf("expected server message kept, got %q", req.Message)
	}
}

func TestFromError_WrappedAPIError(t *testing.T) {
	inner := &APIError{
		HTTPStatus: StatusStepUpRequired,
		Payload: map[string]interface{}{
			"details": map[string]interface{}{"dept_id": "d1", "device_group": "core"},
		},
	}
	wrapped := fmt.Errorf("execute deployment: %w", inner)
	req, ok := FromError(wrapped)
	if !ok || req.DeptID != "d1" {
		t.Errorf("expected extraction through wrapping, got ok=%v req=%+v", ok, req)
	}
}

func TestRequirementsFromError_MultipleGroups(t *testing.T) {
	err := &APIError{
		HTTPStatus: StatusStepUpRequired,
		Payload: map[string]interface{}{
			"data": map[string]interface{}{
				"otp_required_groups": []interface{}{
					map[string]interface{}{"dept_id": "d1", "device_group": "core"},
					map[string]interface{}{"dept_id": "d1", "device_group": "access"},
				},
			},
		},
	}
	reqs, ok := RequirementsFromError(err)
	if !ok {
		t.Fatal("expected requirements")
	}
	if len(reqs) != 2 {
		t.Fatalf("expected one requirement per group, got %d", len(reqs))
	}
	if reqs[0].DeviceGroup != "core" || reqs[1].DeviceGroup != "access" {
		t.Errorf("expected group order preserved, got %s then %s", reqs[0].DeviceGroup, reqs[1].DeviceGroup)
	}
}

func TestRequirementKey(t *testing.T) {
	a := Requirement{DeptID: "d1", DeviceGroup: "core", TaskID: "t1"}
	b := Requirement{DeptID: "d1", DeviceGroup: "core", TaskID: "t1"}
	c := Requirement{DeptID: "d1", DeviceGroup: "core"}
	if a.Key() != b.Key() {
		t.Error("identical tuples must share a key")
	}
	if a.Key() == c.Key() {
		t.Error("differing task ids must not share a key")
	}
}
