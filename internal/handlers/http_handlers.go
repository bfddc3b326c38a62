package handlers

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"golang.org/x/time/rate"

	"lotteryresults/internal/metrics"
	"lotteryresults/internal/models"
	"lotteryresults/internal/repository"
	"lotteryresults/internal/services"
	"lotteryresults/internal/workflow"
)

const actorKey = "actor"

// HTTPHandler holds the dependencies for the HTTP handlers, like the result service.
type HTTPHandler struct {
	service *services.ResultService
	limits  *actorLimiter
}

// NewHTTPHandler creates a new HTTPHandler. rps <= 0 disables rate limiting.
func NewHTTPHandler(service *services.ResultService, rps float64, burst int) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		limits:  newActorLimiter(rps, burst),
	}
}

// RegisterPublicRoutes registers routes that need no actor.
func (h *HTTPHandler) RegisterPublicRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// RegisterActorRoutes registers the result workflow routes.
func (h *HTTPHandler) RegisterActorRoutes(rg *gin.RouterGroup) {
	draws := rg.Group("/draws/:drawId")
	draws.POST("/workflow", h.StartWorkflow)
	draws.GET("/workflow", h.GetWorkflow)
	draws.POST("/generate", h.Generate)
	draws.POST("/validate", h.Validate)
	draws.POST("/submit", h.Submit)
	draws.POST("/approve", h.Approve)
	draws.POST("/publish", h.Publish)
	draws.POST("/lock", h.Lock)
	draws.POST("/reload", h.Reload)
	draws.GET("/results", h.GetExistingResults)
	draws.GET("/history", h.GetHistory)
	draws.GET("/audit.csv", h.ExportAuditCSV)
	draws.GET("/permissions", h.GetPermissions)

	rg.POST("/rng/fairness", h.Fairness)
}

// ActorMiddleware reads the acting identity from the X-User-ID and X-User-Role
// headers and applies the per-actor rate limit.
func (h *HTTPHandler) ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := workflow.Actor{
			UserID: c.GetHeader("X-User-ID"),
			Role:   c.GetHeader("X-User-Role"),
		}
		if actor.UserID == "" || actor.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-User-ID and X-User-Role headers are required",
			})
			return
		}
		if !h.limits.allow(actor.UserID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) workflow.Actor {
	actor, _ := c.MustGet(actorKey).(workflow.Actor)
	return actor
}

// StartWorkflow opens the actor's workflow on a draw.
func (h *HTTPHandler) StartWorkflow(c *gin.Context) {
	var req services.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.service.StartWorkflow(c.Request.Context(), c.Param("drawId"), actorFrom(c), req)
	h.respond(c, view, err)
}

// GetWorkflow returns the actor's workflow on a draw.
func (h *HTTPHandler) GetWorkflow(c *gin.Context) {
	view, err := h.service.Workflow(c.Param("drawId"), actorFrom(c))
	h.respond(c, view, err)
}

// Generate draws a random sequence for the game in the request body.
func (h *HTTPHandler) Generate(c *gin.Context) {
	var req services.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	gen, err := h.service.Generate(c.Request.Context(), req)
	h.respond(c, gen, err)
}

// Validate checks numbers without submitting them.
func (h *HTTPHandler) Validate(c *gin.Context) {
	var req services.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	violations, err := h.service.ValidateNumbers(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": violations.Valid(), "violations": violations})
}

// Submit sends numbers for approval.
func (h *HTTPHandler) Submit(c *gin.Context) {
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.service.Submit(c.Request.Context(), c.Param("drawId"), actorFrom(c), req)
	h.respond(c, view, err)
}

type approveRequest struct {
	StepIndex int `json:"stepIndex"`
}

// Approve signs off one approval step.
func (h *HTTPHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.service.Approve(c.Request.Context(), c.Param("drawId"), actorFrom(c), req.StepIndex)
	h.respond(c, view, err)
}

// Publish publishes the draw's result.
func (h *HTTPHandler) Publish(c *gin.Context) {
	view, err := h.service.Publish(c.Request.Context(), c.Param("drawId"), actorFrom(c))
	h.respond(c, view, err)
}

// Lock locks the draw's published result.
func (h *HTTPHandler) Lock(c *gin.Context) {
	view, err := h.service.Lock(c.Request.Context(), c.Param("drawId"), actorFrom(c))
	h.respond(c, view, err)
}

// Reload refreshes the actor's workflow from the repository.
func (h *HTTPHandler) Reload(c *gin.Context) {
	view, err := h.service.Reload(c.Request.Context(), c.Param("drawId"), actorFrom(c))
	h.respond(c, view, err)
}

// GetExistingResults returns the draw's latest numbers.
func (h *HTTPHandler) GetExistingResults(c *gin.Context) {
	res, err := h.service.ExistingResults(c.Request.Context(), c.Param("drawId"))
	h.respond(c, res, err)
}

// GetHistory returns every result of the draw with its audit trail.
func (h *HTTPHandler) GetHistory(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), c.Param("drawId"))
	h.respond(c, history, err)
}

// GetPermissions reports the draw actions open to the actor. The draw status
// and security setting come from the status and requiredApprovals query parameters.
func (h *HTTPHandler) GetPermissions(c *gin.Context) {
	drawID := c.Param("drawId")
	existing, err := h.service.ExistingResults(c.Request.Context(), drawID)
	if err != nil {
		h.fail(c, err)
		return
	}
	draw := models.Draw{
		ID:                drawID,
		Status:            models.DrawStatus(c.Query("status")),
		RequiredApprovals: atoiDefault(c.Query("requiredApprovals"), 0),
	}
	if existing.Status == models.StatusPublished || existing.Status == models.StatusLocked {
		draw.WinningNumbers = existing.Numbers
	}
	perms, err := h.service.Permissions(actorFrom(c).Role, draw)
	h.respond(c, perms, err)
}

// Fairness runs a uniformity check over freshly generated sequences.
func (h *HTTPHandler) Fairness(c *gin.Context) {
	var req services.FairnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	report, err := h.service.Fairness(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "uniform": report.Uniform(0.01)})
}

// ExportAuditCSV handles the request to download a draw's audit log as a CSV file.
func (h *HTTPHandler) ExportAuditCSV(c *gin.Context) {
	drawID := c.Param("drawId")
	rows, err := h.service.AuditLog(c.Request.Context(), drawID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=audit_"+drawID+".csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)

	if err := w.Write([]string{"Timestamp", "Action", "User", "Result ID", "Details"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}

	for _, row := range rows {
		record := []string{row.Timestamp.Format(time.RFC3339), string(row.Action), row.UserID, row.ResultID, row.Details}
		if err := w.Write(record); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}

// respond writes v on success and maps err otherwise. Workflow responses keep
// the current view alongside the error so callers can redraw.
func (h *HTTPHandler) respond(c *gin.Context, v any, err error) {
	if err != nil {
		if view, ok := v.(workflow.View); ok && view.DrawID != "" {
			status, body := errorBody(err)
			body["workflow"] = view
			c.JSON(status, body)
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
}

// errorBody maps an error to its HTTP status and JSON body.
func errorBody(err error) (int, gin.H) {
	var (
		validationErr *workflow.ValidationError
		terminalErr   *workflow.WorkflowTerminalStateError
		stateErr      *workflow.WorkflowStateError
		authErr       *workflow.AuthorizationError
		repoErr       *workflow.RepositoryError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, gin.H{
			"error":      "validation",
			"message":    err.Error(),
			"violations": validationErr.Violations,
		}
	case errors.As(err, &terminalErr):
		return http.StatusLocked, gin.H{"error": "locked", "message": err.Error()}
	case errors.As(err, &stateErr):
		return http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()}
	case errors.Is(err, workflow.ErrStaleWorkflow):
		return http.StatusConflict, gin.H{"error": "stale", "message": err.Error()}
	case errors.As(err, &authErr):
		return http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()}
	case errors.Is(err, services.ErrNoSession):
		return http.StatusNotFound, gin.H{"error": "no_session", "message": err.Error()}
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()}
	case errors.As(err, &repoErr):
		if errors.Is(err, repository.ErrConflict) {
			return http.StatusConflict, gin.H{"error": "stale", "message": err.Error()}
		}
		return http.StatusBadGateway, gin.H{"error": "repository", "message": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()}
	}
}

// actorLimiter keeps one token bucket per user.
type actorLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newActorLimiter(rps float64, burst int) *actorLimiter {
	if burst < 1 {
		burst = 1
	}
	return &actorLimiter{limit: rate.Limit(rps), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *actorLimiter) allow(userID string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
