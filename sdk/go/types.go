package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"engagekit/core"
)

// SubmitResult mirrors the submission response body.
type SubmitResult struct {
	Accepted      bool           `json:"accepted"`
	Reason        core.ErrorKind `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
	Suggestions   []string       `json:"suggestions,omitempty"`
	RetryAfterMs  int64          `json:"retry_after_ms,omitempty"`
	PointsAwarded int64          `json:"points_awarded,omitempty"`
	UserTotal     int64          `json:"user_total,omitempty"`
	PostID        core.PostID    `json:"post_id,omitempty"`
	Source        core.Source    `json:"source,omitempty"`
}

// RetryAfter converts RetryAfterMs.
func (r SubmitResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// UserPoints is a user's total with their most recent ledger entries.
type UserPoints struct {
	UserID core.UserID        `json:"user_id"`
	Total  int64              `json:"total"`
	Ledger []core.LedgerEntry `json:"ledger"`
}

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank   int         `json:"rank"`
	UserID core.UserID `json:"user_id"`
	Total  int64       `json:"total"`
}

// HealthStatus describes the /api/healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// BreakerStatus mirrors one circuit breaker in /admin/breakers.
type BreakerStatus struct {
	Source              string        `json:"source"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	RetryAfter          time.Duration `json:"retry_after"`
}

// RunSummary mirrors one reconciliation run.
type RunSummary struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Selected      int       `json:"selected"`
	Processed     int       `json:"processed"`
	Updated       int       `json:"updated"`
	Unchanged     int       `json:"unchanged"`
	Estimated     int       `json:"estimated"`
	NotFound      int       `json:"not_found"`
	Failed        int       `json:"failed"`
	PointsAwarded int64     `json:"points_awarded"`
	Error         string    `json:"error,omitempty"`
}

// ReconcileStatus is the scheduler state with its recent runs.
type ReconcileStatus struct {
	Running bool         `json:"running"`
	Phase   string       `json:"phase"`
	Runs    []RunSummary `json:"runs"`
}

// APIError is a non-success response in the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
