package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

func TestNewHTTPStatusErrorKeepsBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString("model unavailable")

	err := NewHTTPStatusError("qdrant", "search", rec.Result())
	if err.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", err.StatusCode)
	}
	if !strings.Contains(err.Error(), "model unavailable") || !strings.Contains(err.Error(), "qdrant search") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{"canceled", context.Canceled, false, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false, false},
		{"503", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, true, true},
		{"404", &HTTPStatusError{StatusCode: http.StatusNotFound}, false, false},
		{"other", errors.New("decode failed"), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyHTTPError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Fatalf("unexpected classification %+v", got)
			}
		})
	}
}

func TestWrapTemporary(t *testing.T) {
	err := WrapTemporary("embed", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, nil)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	permanent := &HTTPStatusError{StatusCode: http.StatusBadRequest}
	if err := WrapTemporary("embed", permanent, nil); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("4xx must not become temporary")
	}
}

func TestRunWithoutExecutorCallsDirectly(t *testing.T) {
	calls := 0
	err := Run(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil || calls != 1 {
		t.Fatalf("expected a single direct call, got calls=%d err=%v", calls, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"2":                             2 * time.Second,
		"-1":                            0,
		"soon":                          0,
		"Fri, 01 May 2026 10:00:05 GMT": 5 * time.Second,
		"Fri, 01 May 2026 09:59:00 GMT": 0,
	}
	for in, want := range cases {
		if got := parseRetryAfter(in, now); got != want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHTTPStatusErrorReadsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "1")
	rec.WriteHeader(http.StatusTooManyRequests)

	err := NewHTTPStatusError("backend", "embed", rec.Result())
	if err.RetryDelay() != time.Second {
		t.Fatalf("expected 1s retry delay, got %v", err.RetryDelay())
	}
}
