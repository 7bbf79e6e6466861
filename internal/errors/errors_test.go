package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("process: %w", Wrap(CodeUpstreamUnavailable, cause, "补全服务不可用"))

	if CodeOf(err) != CodeUpstreamUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !HasCode(err, CodeUpstreamUnavailable) {
		t.Fatalf("expected HasCode to match")
	}
	if HasCode(err, CodeRateLimited) {
		t.Fatalf("HasCode matched unrelated code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost in chain")
	}
	if !RetryableError(err) {
		t.Fatalf("upstream failures should be retryable")
	}
}

func TestHTTPStatusOf(t *testing.T) {
	cases := map[Code]int{
		CodeRateLimited:   http.StatusTooManyRequests,
		CodeAgentNotFound: http.StatusNotFound,
		CodeInvalidArgument: http.StatusBadRequest,
		Code("NOT_REGISTERED"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatusOf(New(code, "")); got != want {
			t.Fatalf("%s: got %d want %d", code, got, want)
		}
	}
	if got := HTTPStatusOf(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain error mapped to %d", got)
	}
}

func TestOptionsOverrideAttributes(t *testing.T) {
	err := New(CodeConnectionLost, "", WithRetryable(true), WithSeverity(SeverityInfo), WithMetadata("conn", "c-1"))
	if err.Message() != "realtime connection lost" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if !err.Retryable() || err.Severity() != SeverityInfo {
		t.Fatalf("options not applied: %+v", err)
	}
	if err.Metadata()["conn"] != "c-1" {
		t.Fatalf("metadata missing")
	}
}
