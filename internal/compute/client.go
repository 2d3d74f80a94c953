// Package compute talks to the external compute API that runs upscaling
// tasks. Each call authenticates with the key of the account the job was
// placed on.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Sentinel errors for vendor failures.
var (
	ErrVendorUnreachable = errors.New("vendor unreachable")
	ErrVendorTimeout     = errors.New("vendor request timeout")
	ErrVendorRejected    = errors.New("vendor rejected request")
	ErrMalformedResponse = errors.New("malformed vendor response")
)

// maxBodyBytes caps how much of a vendor response is read.
const maxBodyBytes = 1 << 20

// RejectionError is returned when the vendor answers but refuses the task,
// either with a non-2xx status or a non-zero code in the envelope. Message
// is the vendor's own text and may be empty.
type RejectionError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d code %d", ErrVendorRejected, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: status %d code %d: %s", ErrVendorRejected, e.StatusCode, e.Code, e.Message)
}

func (e *RejectionError) Unwrap() error { return ErrVendorRejected }

// Client is the interface for the vendor's task API.
type Client interface {
	StartTask(ctx context.Context, account models.Account, req StartRequest) (string, error)
	CancelTask(ctx context.Context, account models.Account, taskID string) error
}

// StartRequest describes one task submission.
type StartRequest struct {
	Tool        models.Tool
	InputURL    string
	CallbackURL string
	// ExternalID is our job id, echoed back by the vendor for tracing.
	ExternalID string
}

// HTTPClient implements Client over the vendor's JSON HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartTask submits a task and returns the vendor's task id.
func (c *HTTPClient) StartTask(ctx context.Context, account models.Account, req StartRequest) (string, error) {
	body, err := json.Marshal(startTaskBody{
		Tool:        string(req.Tool),
		InputURL:    req.InputURL,
		CallbackURL: req.CallbackURL,
		ExternalID:  req.ExternalID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	var env envelope
	if err := c.do(ctx, account, c.baseURL+"/v1/tasks", body, &env); err != nil {
		return "", err
	}

	var data startTaskData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("%w: missing task_id", ErrMalformedResponse)
	}
	return data.TaskID, nil
}

// CancelTask asks the vendor to stop a task. Callers treat failures as
// advisory since local state is authoritative.
func (c *HTTPClient) CancelTask(ctx context.Context, account models.Account, taskID string) error {
	u := fmt.Sprintf("%s/v1/tasks/%s/cancel", c.baseURL, url.PathEscape(taskID))
	var env envelope
	return c.do(ctx, account, u, nil, &env)
}

func (c *HTTPClient) do(ctx context.Context, account models.Account, u string, body []byte, env *envelope) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+account.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classifyError(err)
	}
	var decodeErr error
	if len(bytes.TrimSpace(raw)) > 0 {
		decodeErr = json.Unmarshal(raw, env)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rej := &RejectionError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			rej.Code = env.Code
			rej.Message = env.Msg
		}
		return rej
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if env.Code != 0 {
		return &RejectionError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrVendorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrVendorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrVendorUnreachable, err)
}

// --- vendor wire types ---

type startTaskBody struct {
	Tool        string `json:"tool"`
	InputURL    string `json:"input_url"`
	CallbackURL string `json:"callback_url"`
	ExternalID  string `json:"external_id"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type startTaskData struct {
	TaskID string `json:"task_id"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
