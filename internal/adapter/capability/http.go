package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hume-agent/internal/domain"
)

// maxResponseBody caps the bytes read from a group endpoint.
const maxResponseBody = 1 << 20

// HTTPGroup forwards operations to a remote endpoint as
// POST {"operation": ..., "args": ...} and returns the response body.
type HTTPGroup struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGroup creates an HTTPGroup.
func NewHTTPGroup(endpoint string, timeout time.Duration) *HTTPGroup {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGroup{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type httpRequest struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Invoke implements domain.CapabilityInvoker. Network errors, 429 and 5xx
// are transient; any other non-2xx status is permanent.
func (g *HTTPGroup) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(httpRequest{Operation: operation, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%s.%s: marshal: %w: %w", group, operation, domain.ErrCapabilityPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w: %w", group, operation, domain.ErrCapabilityPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := domain.TaskIDFrom(ctx); id != "" {
		req.Header.Set("X-Task-ID", id)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s.%s: %w: %w", group, operation, domain.ErrCapabilityTransient, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s.%s: read: %w: %w", group, operation, domain.ErrCapabilityTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s.%s: response is not JSON: %w", group, operation, domain.ErrCapabilityPermanent)
		}
		return json.RawMessage(data), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s.%s: %w: API error %d: %s", group, operation, domain.ErrCapabilityTransient, resp.StatusCode, truncate(data))
	default:
		return nil, fmt.Errorf("%s.%s: %w: API error %d: %s", group, operation, domain.ErrCapabilityPermanent, resp.StatusCode, truncate(data))
	}
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

var _ domain.CapabilityInvoker = (*HTTPGroup)(nil)
