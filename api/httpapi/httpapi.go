package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	wsadapter "engagekit/adapters/websocket"
	"engagekit/breaker"
	"engagekit/engine"
	"engagekit/leaderboard"
	"engagekit/ratelimit"
	"engagekit/realtime"
	"engagekit/reconcile"
	"engagekit/submission"
)

// DefaultUserHeader carries the caller identity on submissions.
const DefaultUserHeader = "X-User-ID"

// Options configures the HTTP API surface.
type Options struct {
	// AllowCORSOrigin, if non-empty, enables CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth on /api via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// AdminKeys, if non-empty, protects /admin the same way.
	AdminKeys []string
	// UserHeader names the caller identity header; defaults to X-User-ID.
	UserHeader string
	// RateLimitEnabled toggles per-client request limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// AccessLog toggles slog request logging.
	AccessLog bool
}

// Deps are the services behind the routes. Hub, Leaderboard and Scheduler may be nil.
type Deps struct {
	Submissions *submission.Service
	Storage     engine.Storage
	Breakers    *breaker.Registry
	Limiter     *ratelimit.Limiter
	Scheduler   *reconcile.Scheduler
	Hub         *realtime.Hub
	Leaderboard leaderboard.Board
	Log         *slog.Logger
	// BaseContext bounds runs started from /admin/reconcile. Defaults to
	// context.Background.
	BaseContext context.Context
}

type handlers struct {
	Deps
	userHeader string
}

// New builds the echo server.
// Routes:
//   - POST /api/submissions
//   - GET  /api/posts/:id
//   - GET  /api/users/:id
//   - GET  /api/leaderboard
//   - GET  /api/healthz
//   - WS   /api/ws
//   - POST /admin/reset
//   - GET  /admin/breakers
//   - POST /admin/reconcile
//   - GET  /admin/reconcile/runs
func New(d Deps, opts Options) *echo.Echo {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	h := &handlers{Deps: d, userHeader: opts.UserHeader}
	if h.userHeader == "" {
		h.userHeader = DefaultUserHeader
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(d.Log)

	if opts.AccessLog {
		e.Use(slogecho.New(d.Log))
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if opts.AllowCORSOrigin != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{opts.AllowCORSOrigin},
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-API-Key", h.userHeader},
		}))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && d.Limiter != nil {
		e.Use(rateLimit(d.Limiter, int64(opts.RateLimitRPM)))
	}

	api := e.Group("/api")
	// health stays reachable for probes without credentials
	api.GET("/healthz", h.health)
	authed := api.Group("", apiKeyAuth(opts.APIKeys))
	authed.POST("/submissions", h.submit)
	authed.GET("/posts/:id", h.getPost)
	authed.GET("/users/:id", h.getUser)
	if d.Leaderboard != nil {
		authed.GET("/leaderboard", h.getLeaderboard)
	}
	if d.Hub != nil {
		authed.GET("/ws", echo.WrapHandler(wsadapter.Handler(d.Hub, d.Log)))
	}

	admin := e.Group("/admin", apiKeyAuth(opts.AdminKeys))
	admin.POST("/reset", h.reset)
	admin.GET("/breakers", h.listBreakers)
	admin.POST("/reconcile", h.triggerReconcile)
	admin.GET("/reconcile/runs", h.listRuns)
	return e
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(c echo.Context, status int, code, msg string, details any) error {
	return c.JSON(status, apiError{Code: code, Message: msg, Details: details})
}

func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		code, msg := "internal", "internal error"
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(status)
			}
		} else {
			log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		_ = writeError(c, status, code, msg, nil)
	}
}

// apiKeyAuth enforces a shared API key list. An empty list disables the check.
func apiKeyAuth(apiKeys []string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if len(allowed) == 0 {
			return next
		}
		return func(c echo.Context) error {
			key := extractAPIKey(c.Request())
			if key == "" {
				return writeError(c, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			}
			if _, ok := allowed[key]; !ok {
				return writeError(c, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			}
			return next(c)
		}
	}
}

// rateLimit applies a fixed per-minute window per client key.
func rateLimit(lim *ratelimit.Limiter, rpm int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := lim.TryAcquire(c.Request().Context(), "http:"+clientKey(c.Request()), rpm, time.Minute)
			if !d.Allowed {
				setRetryAfter(c, d.RetryAfterMs())
				return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			}
			return next(c)
		}
	}
}

func setRetryAfter(c echo.Context, ms int64) {
	if ms <= 0 {
		return
	}
	c.Response().Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
