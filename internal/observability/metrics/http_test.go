package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("/api/v1/chat", http.MethodPost, http.StatusOK, 120*time.Millisecond)
	ObserveHTTPRequest("/api/v1/chat", http.MethodPost, http.StatusBadGateway, 10*time.Millisecond)
	RateLimited()
	CacheLookup(true)
	StreamFinished("1", "completed", 0.4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`agenthub_http_requests_total{code="200",handler="/api/v1/chat",method="POST"}`,
		`agenthub_http_request_errors_total{handler="/api/v1/chat",method="POST"} 1`,
		`agenthub_ratelimit_rejections_total`,
		`agenthub_fetch_cache_lookups_total{result="hit"}`,
		`agenthub_stream_outcomes_total{agent="1",outcome="completed"}`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
