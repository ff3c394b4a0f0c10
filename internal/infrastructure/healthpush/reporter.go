package healthpush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

// Reporter POSTs every health report as JSON to an external URL.
type Reporter struct {
	url        string
	httpClient *http.Client
	executor   *resilience.Executor
}

var _ ports.HealthReporter = (*Reporter)(nil)

func New(url string, timeout time.Duration, executor *resilience.Executor) *Reporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (r *Reporter) Report(ctx context.Context, report domain.HealthReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	err = resilience.Run(ctx, r.executor, resilience.BreakerKey("healthpush.post", r.url), func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create push request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("push health report: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("healthpush", "post", resp)
		}
		return nil
	}, resilience.ClassifyHTTPError)
	return resilience.WrapTemporary("push health report", err, resilience.ClassifyHTTPError)
}
