package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("invalid request")
	ErrRateLimit        = errors.New("rate limited")
	ErrAPI              = errors.New("api error")
)

var statusErrors = map[int]error{
	http.StatusBadRequest:          ErrValidation,
	http.StatusUnauthorized:        ErrAuthentication,
	http.StatusForbidden:           ErrPermissionDenied,
	http.StatusNotFound:            ErrNotFound,
	http.StatusConflict:            ErrConflict,
	http.StatusUnprocessableEntity: ErrValidation,
	http.StatusTooManyRequests:     ErrRateLimit,
}

// APIError is a non-2xx response from the runs API. It matches one of the
// package sentinels with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request_id=%s)", e.RequestID)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	if err, ok := statusErrors[e.StatusCode]; ok {
		return err
	}
	return ErrAPI
}

const maxErrorBody = 64 * 1024

// parseAPIError reads and closes the body of a failed response. The v2 API
// sends {"error":{"message","request_id"}}; older endpoints send {"detail"}.
func parseAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
	}
	if resp.Request != nil {
		apiErr.Method = resp.Request.Method
		apiErr.Path = resp.Request.URL.Path
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if !gjson.ValidBytes(body) {
		if text := strings.TrimSpace(string(body)); text != "" {
			apiErr.Message = text
		}
		return apiErr
	}
	doc := gjson.ParseBytes(body)
	switch {
	case doc.Get("error.message").Exists():
		apiErr.Message = doc.Get("error.message").String()
	case doc.Get("error").Type == gjson.String:
		apiErr.Message = doc.Get("error").String()
	case doc.Get("detail").Exists():
		apiErr.Message = doc.Get("detail").String()
	}
	for _, path := range []string{"error.request_id", "request_id"} {
		if id := doc.Get(path).String(); id != "" {
			apiErr.RequestID = id
			break
		}
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-Id")
	}
	return apiErr
}
