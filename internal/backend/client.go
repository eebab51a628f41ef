package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	startPath  = "/api/research/start"
	chatPath   = "/api/chat/send"
	healthPath = "/api/health"

	// maxErrorBody caps how much of a failed response is read for its message.
	maxErrorBody = 64 << 10
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	// Message is the backend's "error" field, or the raw body when it has none.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("research backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("research backend returned status %d: %s", e.StatusCode, e.Message)
}

// Options tunes the HTTP behaviour of the client.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the research backend's REST API.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string, opts Options, log *logger.Logger, m *metrics.Metrics) *Client {
	log = log.WithComponent("backend-client")

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: opts.Timeout}
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = log.Logger

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		logger:  log,
		metrics: m,
	}
}

// retryPolicy retries transport failures and gateway errors only. The start and
// chat calls are not idempotent, so a 500 or any 4xx is final.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

type startRequest struct {
	Query string `json:"query"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartResearch asks the backend to begin a run and returns its session token.
func (c *Client) StartResearch(ctx context.Context, query string) (string, error) {
	var resp startResponse
	if err := c.post(ctx, "start", startPath, startRequest{Query: query}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		c.metrics.BackendRequest("start", "invalid_response")
		return "", errors.New("research backend returned no session_id")
	}
	return resp.SessionID, nil
}

// SendChat hands a follow-up message to the backend. The reply arrives later on
// the push channel.
func (c *Client) SendChat(ctx context.Context, sessionID, message string) error {
	return c.post(ctx, "chat", chatPath, chatRequest{SessionID: sessionID, Message: message}, nil)
}

// Health probes the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	return c.do(req, "health", nil)
}

func (c *Client) post(ctx context.Context, endpoint, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, out)
}

func (c *Client) do(req *retryablehttp.Request, endpoint string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.BackendRequest(endpoint, "transport_error")
		c.logger.Warn("backend request failed",
			slog.String("endpoint", endpoint),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.BackendRequest(endpoint, "status_error")
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		c.logger.Warn("backend rejected request",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("message", statusErr.Message))
		return statusErr
	}

	c.metrics.BackendRequest(endpoint, "ok")
	c.logger.Debug("backend request completed",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.BackendRequest(endpoint, "invalid_response")
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(raw))
}
