package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/logger"

	"lotteryresults/internal/models"
)

// Error codes exchanged with the results backend in {"error": "<code>"} bodies.
var errorCodes = map[string]error{
	"not_found":          ErrNotFound,
	"conflict":           ErrConflict,
	"locked":             ErrLocked,
	"invalid_transition": ErrInvalidTransition,
	"approvals_complete": ErrApprovalsComplete,
	"duplicate_approver": ErrDuplicateApprover,
	"approvals_pending":  ErrApprovalsPending,
	"invalid_submission": ErrInvalidSubmission,
}

// ErrorCode returns the wire code for one of the package errors, or "internal".
func ErrorCode(err error) string {
	for code, target := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "internal"
}

// StatusCode returns the HTTP status a backend reports err with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateApprover), errors.Is(err, ErrApprovalsComplete):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrApprovalsPending), errors.Is(err, ErrInvalidSubmission):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var _ Repository = (*RESTClient)(nil)

// RESTClient talks to a remote results backend. Calls are not retried.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient creates a client for the backend rooted at baseURL.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitResults posts a new result.
func (c *RESTClient) SubmitResults(ctx context.Context, sub models.ResultSubmission) (models.LotteryResult, error) {
	var out models.LotteryResult
	err := c.do(ctx, http.MethodPost, "/results", sub, &out)
	return out, err
}

// GetExistingResults fetches the latest numbers and status of a draw.
func (c *RESTClient) GetExistingResults(ctx context.Context, drawID string) (models.ExistingResults, error) {
	var out models.ExistingResults
	err := c.do(ctx, http.MethodGet, "/draws/"+url.PathEscape(drawID)+"/results", nil, &out)
	return out, err
}

// ApproveResults records an approval.
func (c *RESTClient) ApproveResults(ctx context.Context, req models.ApprovalRequest) (models.LotteryResult, error) {
	var out models.LotteryResult
	err := c.do(ctx, http.MethodPatch, "/results/"+url.PathEscape(req.ResultID)+"/approve", req, &out)
	return out, err
}

// PublishResults publishes a result.
func (c *RESTClient) PublishResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	var out models.LotteryResult
	err := c.do(ctx, http.MethodPatch, "/results/"+url.PathEscape(req.ResultID)+"/publish", req, &out)
	return out, err
}

// LockResults locks a result.
func (c *RESTClient) LockResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	var out models.LotteryResult
	err := c.do(ctx, http.MethodPatch, "/results/"+url.PathEscape(req.ResultID)+"/lock", req, &out)
	return out, err
}

// GetResultHistory lists every result of a draw.
func (c *RESTClient) GetResultHistory(ctx context.Context, drawID string) ([]models.LotteryResult, error) {
	out := []models.LotteryResult{}
	err := c.do(ctx, http.MethodGet, "/results?drawId="+url.QueryEscape(drawID), nil, &out)
	return out, err
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	if target, ok := errorCodes[body.Error]; ok {
		return target
	}
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusLocked:
		return ErrLocked
	}
	logger.Warningf("results backend returned %d: %s", status, strings.TrimSpace(string(raw)))
	if body.Message != "" {
		return fmt.Errorf("results backend: %d %s", status, body.Message)
	}
	return fmt.Errorf("results backend: unexpected status %d", status)
}
