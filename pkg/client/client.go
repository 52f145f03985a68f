// Package client is the HTTP client for the console backend. It implements
// the interfaces the coordinator packages consume: task status fetching
// (poller.StatusFetcher), OTP verification (stepup.Verifier), and the
// deployment endpoints (deploy.Backend).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ncm-console/pkg/model"
	"ncm-console/pkg/poller"
	"ncm-console/pkg/stepup"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do issues a request and decodes the error envelope. A non-2xx status or a
// 2xx body carrying a business error code yields *stepup.APIError so step-up
// signals survive transport as structured data.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(raw, &payload)

	if resp.StatusCode >= 400 {
		return &stepup.APIError{
			HTTPStatus: resp.StatusCode,
			Code:       envelopeCode(payload),
			Message:    envelopeMessage(payload, raw),
			Payload:    payload,
		}
	}
	// Some endpoints wrap business failures in a 200 envelope.
	if code := envelopeCode(payload); code >= 400 {
		return &stepup.APIError{
			HTTPStatus: resp.StatusCode,
			Code:       code,
			Message:    envelopeMessage(payload, raw),
			Payload:    payload,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func envelopeCode(payload map[string]interface{}) int {
	if payload == nil {
		return 0
	}
	if v, ok := payload["code"].(float64); ok {
		return int(v)
	}
	return 0
}

func envelopeMessage(payload map[string]interface{}, raw []byte) string {
	if payload != nil {
		if s, ok := payload["message"].(string); ok && s != "" {
			return s
		}
		if s, ok := payload["error"].(string); ok && s != "" {
			return s
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

// FetchStatus implements poller.StatusFetcher against the task status endpoint.
func (c *Client) FetchStatus(ctx context.Context, taskID string) (poller.TaskStatus, error) {
	var st poller.TaskStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &st); err != nil {
		return poller.TaskStatus{}, err
	}
	return st, nil
}

// VerifyOTP implements stepup.Verifier.
func (c *Client) VerifyOTP(ctx context.Context, deptID, deviceGroup, code string) error {
	req := map[string]string{"dept_id": deptID, "device_group": deviceGroup, "otp_code": code}
	var resp struct {
		Verified bool   `json:"verified"`
		Message  string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/otp/verify", req, &resp); err != nil {
		return err
	}
	if !resp.Verified {
		return &stepup.APIError{HTTPStatus: stepup.StatusStepUpRequired, Message: resp.Message}
	}
	return nil
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

// StartBackup kicks off a config backup job for the given devices.
func (c *Client) StartBackup(ctx context.Context, deviceIDs []string) (string, error) {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/backup",
		map[string]interface{}{"device_ids": deviceIDs}, &ref)
	return ref.TaskID, err
}

// StartScan kicks off a network discovery scan.
func (c *Client) StartScan(ctx context.Context, subnet string) (string, error) {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/v1/discovery/scan",
		map[string]string{"subnet": subnet}, &ref)
	return ref.TaskID, err
}

// ListDevices returns the device inventory.
func (c *Client) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out struct {
		Items []model.Device `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out)
	return out.Items, err
}

// CreateDeployment submits a new template-driven config push.
func (c *Client) CreateDeployment(ctx context.Context, templateID string, params map[string]string, targets []string, approverIDs []string) (*model.Deployment, error) {
	req := map[string]interface{}{
		"template_id":     templateID,
		"template_params": params,
		"target_devices":  targets,
		"approver_ids":    approverIDs,
	}
	var d model.Deployment
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeployment fetches the current server-side deployment record.
func (c *Client) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+id, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Approve records an approval decision at the deployment's current level.
func (c *Client) Approve(ctx context.Context, id, approverID, decision, comment string) (*model.Deployment, error) {
	req := map[string]string{"approver_id": approverID, "decision": decision, "comment": comment}
	var d model.Deployment
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/approve", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Execute starts (or resumes) execution; the response carries the exec task id
// to poll. A 428 here means one or more target groups need an OTP grant.
func (c *Client) Execute(ctx context.Context, id string) (string, error) {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/execute", nil, &ref)
	return ref.TaskID, err
}

// Retry re-executes only the devices that failed in the previous round.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/retry", nil, &ref)
	return ref.TaskID, err
}

// Cancel stops a running deployment. Already-executed devices keep their new
// config; the server echoes that warning back.
func (c *Client) Cancel(ctx context.Context, id string) (string, error) {
	var resp struct {
		Warning string `json:"warning"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/cancel", nil, &resp)
	return resp.Warning, err
}

// PreviewRollback fetches the dry-run partition for a rollback.
func (c *Client) PreviewRollback(ctx context.Context, id string) (*model.RollbackPlan, error) {
	var plan model.RollbackPlan
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+id+"/rollback/preview", nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Rollback commits a previewed rollback; the response carries the rollback
// task id to poll.
func (c *Client) Rollback(ctx context.Context, id string, deviceIDs []string) (string, error) {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/rollback",
		map[string]interface{}{"device_ids": deviceIDs}, &ref)
	return ref.TaskID, err
}

// Login exchanges credentials for a session token and remembers it.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Token, nil
}
