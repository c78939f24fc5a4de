package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"engagekit/breaker"
	"engagekit/core"
	"engagekit/leaderboard"
	"engagekit/reconcile"
	"engagekit/submission"
)

type submitBody struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	UserID  string `json:"user_id"`
}

// statusFor maps submission rejections to HTTP statuses.
var statusFor = map[core.ErrorKind]int{
	core.KindRateLimited:       http.StatusTooManyRequests,
	core.KindCooldown:          http.StatusTooManyRequests,
	core.KindInvalidURL:        http.StatusUnprocessableEntity,
	core.KindInvalidUser:       http.StatusUnprocessableEntity,
	core.KindMissingMention:    http.StatusUnprocessableEntity,
	core.KindNotFound:          http.StatusUnprocessableEntity,
	core.KindDuplicate:         http.StatusConflict,
	core.KindAcquisitionFailed: http.StatusServiceUnavailable,
}

func (h *handlers) submit(c echo.Context) error {
	var body submitBody
	if err := c.Bind(&body); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_body", "request body must be JSON", nil)
	}
	user := c.Request().Header.Get(h.userHeader)
	if user == "" {
		user = body.UserID
	}
	resp, err := h.Submissions.Submit(c.Request().Context(), submission.Request{
		UserID:  core.UserID(user),
		URL:     body.URL,
		Content: body.Content,
	})
	if err != nil {
		h.Log.Error("submission failed", "user_id", user, "error", err)
		g := core.GuidanceFor(core.KindInternal)
		return c.JSON(http.StatusInternalServerError, submission.Response{
			Reason:    core.KindInternal,
			Message:   g.UserMessage,
			Retryable: g.Retryable,
		})
	}
	if resp.Accepted {
		return c.JSON(http.StatusCreated, resp)
	}
	status, ok := statusFor[resp.Reason]
	if !ok {
		status = http.StatusBadRequest
	}
	setRetryAfter(c, resp.RetryAfterMs)
	return c.JSON(status, resp)
}

func (h *handlers) getPost(c echo.Context) error {
	post, err := h.Storage.GetTrackedPost(c.Request().Context(), core.PostID(c.Param("id")))
	if errors.Is(err, core.ErrTrackedPostNotFound) {
		return writeError(c, http.StatusNotFound, "not_found", "post not found", nil)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, post)
}

type userView struct {
	UserID core.UserID        `json:"user_id"`
	Total  int64              `json:"total"`
	Ledger []core.LedgerEntry `json:"ledger"`
}

func queryLimit(c echo.Context, def int) (int, bool) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return 0, false
	}
	return n, true
}

func (h *handlers) getUser(c echo.Context) error {
	user, err := core.NormalizeUserID(core.UserID(c.Param("id")))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_user", err.Error(), nil)
	}
	limit, ok := queryLimit(c, 20)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500", nil)
	}
	ctx := c.Request().Context()
	total, err := h.Storage.UserTotal(ctx, user)
	if err != nil {
		return err
	}
	ledger, err := h.Storage.ListLedger(ctx, user, limit)
	if err != nil {
		return err
	}
	if ledger == nil {
		ledger = []core.LedgerEntry{}
	}
	return c.JSON(http.StatusOK, userView{UserID: user, Total: total, Ledger: ledger})
}

type rankedEntry struct {
	Rank int `json:"rank"`
	leaderboard.Entry
}

func (h *handlers) getLeaderboard(c echo.Context) error {
	limit, ok := queryLimit(c, 10)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500", nil)
	}
	top := h.Leaderboard.TopN(limit)
	out := make([]rankedEntry, len(top))
	for i, e := range top {
		out[i] = rankedEntry{Rank: i + 1, Entry: e}
	}
	return c.JSON(http.StatusOK, out)
}

// health verifies the store is reachable and reports breaker states.
func (h *handlers) health(c echo.Context) error {
	ctx := c.Request().Context()
	checks := map[string]any{"storage": "ok"}
	status, code := "healthy", http.StatusOK
	if err := h.Storage.Ping(ctx); err != nil {
		checks["storage"] = "failed"
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	if h.Breakers != nil {
		if statuses, err := h.Breakers.Statuses(ctx); err == nil {
			breakers := make(map[string]breaker.State, len(statuses))
			for _, s := range statuses {
				breakers[s.Source] = s.State
			}
			checks["breakers"] = breakers
		}
	}
	return c.JSON(code, map[string]any{"status": status, "checks": checks})
}

func (h *handlers) reset(c echo.Context) error {
	ctx := c.Request().Context()
	if h.Breakers != nil {
		if err := h.Breakers.ResetAll(ctx); err != nil {
			return err
		}
	}
	if h.Limiter != nil {
		if err := h.Limiter.Reset(ctx); err != nil {
			return err
		}
	}
	h.Log.Warn("admin reset of breakers and rate limits")
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (h *handlers) listBreakers(c echo.Context) error {
	if h.Breakers == nil {
		return c.JSON(http.StatusOK, []breaker.Status{})
	}
	statuses, err := h.Breakers.Statuses(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statuses)
}

func (h *handlers) triggerReconcile(c echo.Context) error {
	if h.Scheduler == nil {
		return writeError(c, http.StatusServiceUnavailable, "unavailable", "reconciliation is not configured", nil)
	}
	err := h.Scheduler.Trigger(h.BaseContext)
	if errors.Is(err, reconcile.ErrRunInProgress) {
		return writeError(c, http.StatusConflict, "run_in_progress", err.Error(), nil)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"started": true})
}

type runsView struct {
	Running bool                   `json:"running"`
	Phase   reconcile.Phase        `json:"phase"`
	Runs    []reconcile.RunSummary `json:"runs"`
}

func (h *handlers) listRuns(c echo.Context) error {
	if h.Scheduler == nil {
		return c.JSON(http.StatusOK, runsView{Phase: reconcile.PhaseIdle, Runs: []reconcile.RunSummary{}})
	}
	runs := h.Scheduler.History()
	if runs == nil {
		runs = []reconcile.RunSummary{}
	}
	return c.JSON(http.StatusOK, runsView{Running: h.Scheduler.Running(), Phase: h.Scheduler.Phase(), Runs: runs})
}
