package openmcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSendTurn(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/turns" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(TurnResponse{Message: "Archived 3 emails.", SessionID: "s-" + req.UserID})
	}))

	resp, err := client.SendTurn(context.Background(), TurnRequest{Message: "archive", UserID: "u-1"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if resp.SessionID != "s-u-1" || resp.Message != "Archived 3 emails." {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitAndWaitTask(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/turns", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") != "true" {
			t.Errorf("expected async query, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Idempotency-Key") != "job-1" {
			t.Errorf("missing idempotency key")
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TurnSubmission{TaskID: "job-1", SessionID: "s-1"})
	})
	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task := Task{ID: r.PathValue("id"), SessionID: "s-1", Status: "running"}
		if polls.Add(1) >= 3 {
			task.Status = "succeeded"
			task.Result = &TurnResponse{Message: "done", SessionID: "s-1"}
		}
		_ = json.NewEncoder(w).Encode(task)
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	sub, err := client.SubmitTurn(ctx, TurnRequest{Message: "archive", UserID: "u-1"}, "job-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := client.WaitTask(ctx, sub.TaskID, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !task.Done() || task.Result == nil || task.Result.Message != "done" {
		t.Fatalf("unexpected task %+v", task)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestSessionCallsAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") != "u-1" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"session belongs to another user","code":"SESSION_FORBIDDEN"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Session{SessionID: r.PathValue("id"), UserID: "u-1"})
	})
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is busy","code":"SESSION_BUSY"}`))
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	sess, err := client.GetSession(ctx, "s-1", "u-1")
	if err != nil || sess.SessionID != "s-1" {
		t.Fatalf("get session: %+v %v", sess, err)
	}

	_, err = client.GetSession(ctx, "s-1", "u-2")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "SESSION_FORBIDDEN" {
		t.Fatalf("expected forbidden api error, got %v", err)
	}

	if err := client.DeleteSession(ctx, "s-1", "u-1"); !IsBusy(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
}
