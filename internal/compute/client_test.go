package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// --- helpers ---

var testAccount = models.Account{Name: "primary", APIKey: "acct-key", Ceiling: 3}

func vendorServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, 5*time.Second)
}

func startRequest() StartRequest {
	return StartRequest{
		Tool:        models.ToolVideoUpscale,
		InputURL:    "s3://in/clip.mp4",
		CallbackURL: "https://upscaler.test/api/v1/webhooks/video-upscale?token=t",
		ExternalID:  "job-1",
	}
}

// --- StartTask tests ---

func TestStartTask_Success(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer acct-key" {
			t.Errorf("unexpected authorization: %q", got)
		}

		var body startTaskBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Tool != "video-upscale" || body.InputURL != "s3://in/clip.mp4" || body.ExternalID != "job-1" {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.CallbackURL == "" {
			t.Error("callback_url missing")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":0,"msg":"ok","data":{"task_id":"task-42"}}`))
	})

	taskID, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskID != "task-42" {
		t.Errorf("expected task-42, got %s", taskID)
	}
}

func TestStartTask_HTTPErrorWithMessage(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":4001,"msg":"input too large"}`))
	})

	_, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	if !errors.Is(err, ErrVendorRejected) {
		t.Fatalf("expected ErrVendorRejected, got %v", err)
	}
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectionError, got %T", err)
	}
	if rej.StatusCode != 400 || rej.Code != 4001 || rej.Message != "input too large" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
}

func TestStartTask_HTTPErrorUnreadableBody(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`<html>bad gateway</html>`))
	})

	_, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectionError, got %v", err)
	}
	if rej.StatusCode != 502 || rej.Message != "" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
}

func TestStartTask_NonZeroCode(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":1002,"msg":"account suspended"}`))
	})

	_, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectionError, got %v", err)
	}
	if rej.Code != 1002 || rej.Message != "account suspended" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
}

func TestStartTask_MalformedJSON(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestStartTask_MissingTaskID(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"ok","data":{}}`))
	})

	_, err := newTestClient(t, ts.URL).StartTask(context.Background(), testAccount, startRequest())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestStartTask_Timeout(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := NewHTTPClient(ts.URL, 50*time.Millisecond)
	_, err := c.StartTask(context.Background(), testAccount, startRequest())
	if !errors.Is(err, ErrVendorTimeout) {
		t.Fatalf("expected ErrVendorTimeout, got %v", err)
	}
}

func TestStartTask_Unreachable(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.StartTask(context.Background(), testAccount, startRequest())
	if !errors.Is(err, ErrVendorUnreachable) {
		t.Fatalf("expected ErrVendorUnreachable, got %v", err)
	}
}

// --- CancelTask tests ---

func TestCancelTask_Success(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/task-42/cancel" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer acct-key" {
			t.Errorf("unexpected authorization: %q", got)
		}
		w.Write([]byte(`{"code":0,"msg":"ok"}`))
	})

	if err := newTestClient(t, ts.URL).CancelTask(context.Background(), testAccount, "task-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelTask_EmptyBody(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if err := newTestClient(t, ts.URL).CancelTask(context.Background(), testAccount, "task-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	ts := vendorServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := newTestClient(t, ts.URL).CancelTask(context.Background(), testAccount, "gone")
	if !errors.Is(err, ErrVendorRejected) {
		t.Fatalf("expected ErrVendorRejected, got %v", err)
	}
}

func TestRejectionError_Message(t *testing.T) {
	e := &RejectionError{StatusCode: 400, Code: 7, Message: "nope"}
	if e.Error() != "vendor rejected request: status 400 code 7: nope" {
		t.Errorf("unexpected message: %s", e.Error())
	}
}
