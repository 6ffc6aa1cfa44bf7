package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/job"
	"github.com/syphonlabs/syphon/internal/logging"
)

// Handlers serves run records and run logs.
type Handlers struct {
	records *job.Store
	logs    *job.LogService
	logger  *logging.Logger
	started time.Time
}

// NewHandlers creates a new handler set.
func NewHandlers(records *job.Store, logs *job.LogService, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		records: records,
		logs:    logs,
		logger:  logger,
		started: time.Now(),
	}
}

// Health handles liveness checks.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).String(),
	})
}

// LatestRun returns the most recent run record for an identity.
func (h *Handlers) LatestRun(c *gin.Context) {
	ident, ok := h.identityParam(c)
	if !ok {
		return
	}

	rec, err := h.records.Latest(c.Request.Context(), ident)
	if err != nil {
		if errors.Is(err, job.ErrNoRuns) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no runs recorded"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RunHistory returns run records newest first, optionally limited.
func (h *Handlers) RunHistory(c *gin.Context) {
	ident, ok := h.identityParam(c)
	if !ok {
		return
	}

	records, err := h.records.History(c.Request.Context(), ident)
	if err != nil {
		h.internalError(c, err)
		return
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(records) {
			records = records[:limit]
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": ident,
		"runs":     records,
	})
}

// LatestLog returns the captured log of the identity's newest run as plain
// text, decompressing archived logs transparently.
func (h *Handlers) LatestLog(c *gin.Context) {
	ident, ok := h.identityParam(c)
	if !ok {
		return
	}

	content, err := h.logs.Latest(ident)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrMissingLog):
			c.JSON(http.StatusNotFound, gin.H{"error": "no log captured"})
		case errors.Is(err, job.ErrLogTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		default:
			h.internalError(c, err)
		}
		return
	}
	c.String(http.StatusOK, content)
}

func (h *Handlers) identityParam(c *gin.Context) (identity.Identity, bool) {
	ident, err := identity.Parse(c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return ident, true
}

func (h *Handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
