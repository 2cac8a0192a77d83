package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"masterd/internal/config"
	"masterd/internal/gateway"
	"masterd/internal/utils"
)

// Handler bundles request-time dependencies for the API routes.
type Handler struct {
	cfg     *config.Settings
	version string
	pool    PoolControl
	front   FrontStats
	store   RunStore
	runs    *RunManager
	stopFn  func()
}

// Deps carries the wired components the API exposes. Runs is nil when no
// pipeline is configured; Stop is invoked after the stop endpoint responds.
type Deps struct {
	Version string
	Pool    PoolControl
	Front   FrontStats
	Store   RunStore
	Runs    *RunManager
	Stop    func()
}

// newHandler constructs a Handler with attached dependencies.
func newHandler(cfg *config.Settings, deps Deps) *Handler {
	return &Handler{
		cfg:     cfg,
		version: deps.Version,
		pool:    deps.Pool,
		front:   deps.Front,
		store:   deps.Store,
		runs:    deps.Runs,
		stopFn:  deps.Stop,
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": StatusHealthy})
}

func (h *Handler) status(c *gin.Context) {
	var front gateway.Stats
	if h.front != nil {
		front = h.front.Stats()
	}
	respBuilder := newResponseBuilder()
	c.JSON(http.StatusOK, respBuilder.BuildStatusResponse(h.version, h.pool.Snapshot(), front))
}

func (h *Handler) reload(c *gin.Context) {
	utils.Logger.Info("Reload requested")
	h.pool.Reload()
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": MessageReloadStarted})
}

func (h *Handler) stop(c *gin.Context) {
	utils.Logger.Info("Shutdown requested")
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": MessageStopping})
	if h.stopFn != nil {
		go h.stopFn()
	}
}

func (h *Handler) createRun(c *gin.Context) {
	respBuilder := newResponseBuilder()
	if h.runs == nil {
		c.JSON(http.StatusServiceUnavailable, respBuilder.BuildErrorResponse(
			ErrorCodePipelineDisabled,
			MessagePipelineDisabled,
			nil,
		))
		return
	}

	// Validate and parse the trigger request
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Logger.Error("Invalid request body",
			zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, respBuilder.BuildErrorResponse(
			ErrorCodeInvalidRequestBody,
			MessageInvalidRequestBody,
			err.Error(),
		))
		return
	}

	runID := h.runs.TriggerAsync(req.Ref, req.SHA, req.Variables)
	c.JSON(http.StatusAccepted, respBuilder.BuildAcceptedResponse(runID))
}

func (h *Handler) getRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		utils.Logger.Debug("Run not found",
			zap.String(utils.FieldRunID, id),
			zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf(RunNotFoundMessageFmt, id)})
		return
	}

	respBuilder := newResponseBuilder()
	c.JSON(http.StatusOK, respBuilder.BuildRunResponse(run))
}

func (h *Handler) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		limit = 0
	}
	runs, err := h.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		utils.Logger.Error("List runs failed", zap.Error(err))
		respBuilder := newResponseBuilder()
		c.JSON(http.StatusInternalServerError, respBuilder.BuildErrorResponse(
			ErrorCodeListFailed,
			MessageListFailed,
			err.Error(),
		))
		return
	}

	respBuilder := newResponseBuilder()
	c.JSON(http.StatusOK, respBuilder.BuildRunListResponse(runs))
}

// authMiddleware guards mutating and pipeline routes. A configured
// stats-token-hash wins over the plain stats-token; with neither set the
// routes stay open, like an unauthenticated stats socket.
func authMiddleware(cfg *config.Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.StatsToken == "" && cfg.StatsTokenHash == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !tokenValid(cfg, token) {
			utils.Logger.Warn("Unauthorized access attempt",
				zap.String(utils.FieldPath, c.Request.URL.Path))
			c.JSON(http.StatusUnauthorized, gin.H{"error": MessageInvalidToken})
			c.Abort()
			return
		}
		c.Next()
	}
}

func tokenValid(cfg *config.Settings, token string) bool {
	if cfg.StatsTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.StatsTokenHash), []byte(token)) == nil
	}
	return token == cfg.StatsToken
}
