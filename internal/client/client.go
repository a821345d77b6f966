package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mates-cli/internal/llm"
	"mates-cli/internal/stream"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://m8tes.ai/api/v2"

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string
	// Timeout bounds connection setup and the wait for response headers. A
	// stream that is already flowing is not cut off.
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
	UserAgent string
	Logger    *zap.Logger
}

// Client talks to the runs API. Connection setup is retried; a stream that
// has started is never replayed.
type Client struct {
	http      *retryablehttp.Client
	baseURL   string
	apiKey    string
	userAgent string
	logger    *zap.Logger
}

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Message        string         `json:"message"`
	Stream         bool           `json:"stream"`
	TeammateID     int64          `json:"teammate_id,omitempty"`
	Tools          []string       `json:"tools,omitempty"`
	Name           string         `json:"name,omitempty"`
	Instructions   string         `json:"instructions,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Memory         bool           `json:"memory"`
	History        bool           `json:"history"`
	AskUser        *bool          `json:"ask_user,omitempty"`
	PermissionMode string         `json:"permission_mode,omitempty"`
}

// NewRunRequest returns a streaming request with memory and history on.
func NewRunRequest(message string) RunRequest {
	return RunRequest{Message: message, Stream: true, Memory: true, History: true}
}

type replyRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("api key is missing")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWait > 0 {
		client.RetryWaitMin = opts.RetryWait
		client.RetryWaitMax = 4 * opts.RetryWait
	}
	client.Logger = leveledLogger{logger.Sugar()}
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Warn("retrying request", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Int("attempt", attempt))
		}
	}
	if opts.Timeout > 0 {
		if transport, ok := client.HTTPClient.Transport.(*http.Transport); ok {
			transport.ResponseHeaderTimeout = opts.Timeout
		}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "mates-cli"
	}
	return &Client{
		http:      client,
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    opts.APIKey,
		userAgent: ua,
		logger:    logger,
	}, nil
}

// checkRetry retries transport failures and the statuses that mean nothing
// was started server side. Other 5xx responses are returned as is since the
// run may already exist.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// CreateRun starts a run and returns its event stream.
func (c *Client) CreateRun(ctx context.Context, req RunRequest, opts ...stream.Option) (*stream.Stream, error) {
	req.Stream = true
	body, err := c.post(ctx, "/runs", req)
	if err != nil {
		return nil, err
	}
	return stream.New(body, c.streamOptions(opts)...), nil
}

// Reply sends a follow-up message to runID and returns the event stream.
func (c *Client) Reply(ctx context.Context, runID, message string, opts ...stream.Option) (*stream.Stream, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	body, err := c.post(ctx, "/runs/"+url.PathEscape(runID)+"/reply", replyRequest{Message: message, Stream: true})
	if err != nil {
		return nil, err
	}
	return stream.New(body, c.streamOptions(opts)...), nil
}

// Open implements llm.Backend.
func (c *Client) Open(ctx context.Context, req llm.Request) (io.ReadCloser, error) {
	if req.RunID != "" {
		return c.post(ctx, "/runs/"+url.PathEscape(req.RunID)+"/reply", replyRequest{Message: req.Message, Stream: true})
	}
	run := NewRunRequest(req.Message)
	run.TeammateID = req.TeammateID
	run.Tools = req.Tools
	run.Instructions = req.Instructions
	return c.post(ctx, "/runs", run)
}

func (c *Client) streamOptions(opts []stream.Option) []stream.Option {
	return append([]stream.Option{stream.WithLogger(c.logger)}, opts...)
}

// post sends payload and returns the SSE body of a 2xx response. Failed
// responses are mapped to *APIError.
func (c *Client) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp)
	}
	c.logger.Debug("stream opened", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))
	return resp.Body, nil
}

// leveledLogger routes retryablehttp logs into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
