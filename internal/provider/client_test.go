package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/clients"
)

func fastClient(baseURL string) *Client {
	return NewClient(baseURL, "test-key", "pet-video-v1", WithHTTPExecutorConfig(clients.HTTPExecutorConfig{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		ShouldRetry: clients.DefaultShouldRetry,
	}))
}

func TestSubmit_ReturnsTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["model"] != "pet-video-v1" {
			t.Errorf("unexpected model: %v", body["model"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}))
	defer srv.Close()

	taskID, err := fastClient(srv.URL).Submit(context.Background(), "https://example.com/photo.jpg", SubmitOptions{Prompt: "gentle breeze"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("expected task-42, got %s", taskID)
	}
}

func TestSubmit_BadRequestIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "image_url unreachable"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Submit(context.Background(), "https://example.com/photo.jpg", SubmitOptions{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.IsTerminal() {
		t.Fatal("400 should be terminal")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", got)
	}
}

func TestSubmit_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-7"})
	}))
	defer srv.Close()

	taskID, err := fastClient(srv.URL).Submit(context.Background(), "https://example.com/photo.jpg", SubmitOptions{})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if taskID != "task-7" {
		t.Fatalf("expected task-7, got %s", taskID)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestStatus_ClampsProgressAndTolerantOfUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/task-42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"RUNNING","progress":350,"queue_position":3,"eta_seconds":12}`))
	}))
	defer srv.Close()

	status, err := fastClient(srv.URL).Status(context.Background(), "task-42")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if status.Status != TaskRunning {
		t.Fatalf("expected RUNNING, got %s", status.Status)
	}
	if status.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", status.Progress)
	}
}

func TestStatus_FailedTaskCarriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"FAILED","progress":40,"error":"face not detected"}`))
	}))
	defer srv.Close()

	status, err := fastClient(srv.URL).Status(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if status.Status != TaskFailed {
		t.Fatalf("expected FAILED, got %s", status.Status)
	}
	if status.Error == nil || *status.Error != "face not detected" {
		t.Fatalf("expected provider error message, got %v", status.Error)
	}
}
