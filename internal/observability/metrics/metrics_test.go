package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveToolCallIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(toolCallsTotal.WithLabelValues("mail", "archive_email", "success"))
	ObserveToolCall("mail", "archive_email", "success", 20*time.Millisecond)
	after := testutil.ToFloat64(toolCallsTotal.WithLabelValues("mail", "archive_email", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	ObserveTurn("complete", 3, time.Second)
	ObserveHTTPRequest("/api/v1/turns", http.MethodPost, 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"openmcp_turns_total", "openmcp_turn_iterations_bucket", "openmcp_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metric %s missing from exposition", name)
		}
	}
}
