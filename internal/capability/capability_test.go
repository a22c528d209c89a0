package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
)

const definitionsYAML = `
domains:
  mail:
    base_url: http://mail-gateway:9000
    timeout: 3s
    rate_limit: 50
    burst: 10
    operations:
      search_emails:
        kind: read
        required: [query]
      archive_email:
        kind: write
        required: [message_id]
        reversible: true
        reverse: unarchive_email
        item_param: message_id
        action: archive
      unarchive_email:
        kind: write
        required: [message_id]
        reversible: true
        item_param: message_id
        action: unarchive
      send_email:
        kind: write
        required: [to, subject, body]
        external_recipients: true
        action: send
`

func TestParseDefinitionsAndBuildRegistry(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	mail := defs.Domains["mail"]
	if mail.Timeout != 3*time.Second || mail.RateLimit != 50 {
		t.Fatalf("unexpected domain settings: %+v", mail)
	}

	var built []string
	reg, err := FromDefinitions(defs, func(name string, def DomainDefinition) (Backend, error) {
		built = append(built, name+"@"+def.BaseURL)
		return BackendFunc(func(context.Context, Request) (Result, error) { return Result{}, nil }), nil
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(built) != 1 || built[0] != "mail@http://mail-gateway:9000" {
		t.Fatalf("unexpected factory calls: %v", built)
	}

	op, err := reg.Operation("mail", "archive_email")
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if !op.IsWrite() || !op.Reversible || op.Reverse != "unarchive_email" || op.ActionName() != "archive" {
		t.Fatalf("unexpected operation: %+v", op)
	}
	if got := reg.Operations("mail"); len(got) != 4 || got[0].Name != "archive_email" {
		t.Fatalf("unexpected operation listing: %+v", got)
	}
	if _, err := reg.Operation("crm", "x"); xerrors.CodeOf(err) != xerrors.CodeUnknownDomain {
		t.Fatalf("expected unknown domain, got %v", err)
	}
	if _, err := reg.Operation("mail", "x"); xerrors.CodeOf(err) != xerrors.CodeUnknownOperation {
		t.Fatalf("expected unknown operation, got %v", err)
	}
}

func TestNewRegistryRejectsDanglingReverse(t *testing.T) {
	_, err := NewRegistry(Domain{
		Name:       "mail",
		Backend:    BackendFunc(func(context.Context, Request) (Result, error) { return nil, nil }),
		Operations: []Operation{{Name: "archive_email", Kind: KindWrite, Reverse: "unarchive_email"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unarchive_email") {
		t.Fatalf("expected dangling reverse error, got %v", err)
	}
}

func newTestDispatcher(t *testing.T, backend BackendFunc) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(Domain{
		Name:    "mail",
		Backend: backend,
		Operations: []Operation{
			{Name: "search_emails", Kind: KindRead, Required: []string{"query"}},
			{Name: "archive_email", Kind: KindWrite, Required: []string{"message_id"}},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewDispatcher(reg, WithCallTimeout(50*time.Millisecond))
}

func TestInvokeValidatesBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	d := newTestDispatcher(t, func(context.Context, Request) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	})

	_, err := d.Invoke(context.Background(), "mail", "archive_email", map[string]any{"message_id": "  "}, "u")
	if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("validation errors are never retried")
	}
	if calls.Load() != 0 {
		t.Fatalf("backend must not be called on validation failure")
	}
}

func TestInvokeClassifiesFailures(t *testing.T) {
	d := newTestDispatcher(t, func(ctx context.Context, req Request) (Result, error) {
		switch req.Parameters["message_id"] {
		case "slow":
			<-ctx.Done()
			return nil, ctx.Err()
		case "gone":
			return nil, Failure(false, "message not found")
		case "flaky":
			return nil, Failure(true, "gateway overloaded")
		}
		return Result{"archived": req.Parameters["message_id"], "user": req.UserID}, nil
	})
	ctx := context.Background()

	res, err := d.Invoke(ctx, "mail", "archive_email", map[string]any{"message_id": "m1"}, "u-1")
	if err != nil || res["archived"] != "m1" || res["user"] != "u-1" {
		t.Fatalf("unexpected success result %v %v", res, err)
	}

	_, err = d.Invoke(ctx, "mail", "archive_email", map[string]any{"message_id": "slow"}, "u")
	if !IsRetryable(err) {
		t.Fatalf("timeouts should be retryable, got %v", err)
	}

	_, err = d.Invoke(ctx, "mail", "archive_email", map[string]any{"message_id": "gone"}, "u")
	if IsRetryable(err) || Reason(err) != "message not found" {
		t.Fatalf("expected fatal failure with reason, got %v", err)
	}

	_, err = d.Invoke(ctx, "mail", "archive_email", map[string]any{"message_id": "flaky"}, "u")
	if !IsRetryable(err) || xerrors.CodeOf(err) != xerrors.CodeCapabilityFailed {
		t.Fatalf("expected retryable capability failure, got %v", err)
	}
}

func TestHTTPBackendStatusClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") != "u-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Parameters map[string]any `json:"parameters"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/search_emails":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"ids": []string{"m1", "m2"}, "query": body.Parameters["query"]}})
		case "/archive_email":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "mailbox locked"})
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unsupported"})
		}
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(server.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	ctx := context.Background()

	res, err := backend.Call(ctx, Request{Domain: "mail", Operation: "search_emails", Parameters: map[string]any{"query": "newsletter"}, UserID: "u-1"})
	if err != nil || res["query"] != "newsletter" {
		t.Fatalf("unexpected search result %v %v", res, err)
	}

	_, err = backend.Call(ctx, Request{Domain: "mail", Operation: "archive_email", UserID: "u-1"})
	if !IsRetryable(err) || Reason(err) != "mailbox locked" {
		t.Fatalf("expected retryable 503, got %v", err)
	}

	_, err = backend.Call(ctx, Request{Domain: "mail", Operation: "throttled", UserID: "u-1"})
	if !IsRetryable(err) {
		t.Fatalf("expected retryable 429, got %v", err)
	}

	_, err = backend.Call(ctx, Request{Domain: "mail", Operation: "other", UserID: "u-1"})
	if IsRetryable(err) || Reason(err) != "unsupported" {
		t.Fatalf("expected fatal 400, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	no := false
	yes := true
	cases := []struct {
		name     string
		status   int
		explicit *bool
		want     bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, want: true},
		{name: "server error", status: http.StatusBadGateway, want: true},
		{name: "client error", status: http.StatusNotFound, want: false},
		{name: "explicit fatal wins", status: http.StatusServiceUnavailable, explicit: &no, want: false},
		{name: "explicit retry wins", status: http.StatusConflict, explicit: &yes, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.status, tc.explicit); got != tc.want {
				t.Fatalf("Classify(%d) = %v, want %v", tc.status, got, tc.want)
			}
		})
	}
}
