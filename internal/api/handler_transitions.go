package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cnc-monitor-backend/internal/parse"
	"cnc-monitor-backend/internal/store"
)

const maxHistoryRows = 5000

// ListTransitions handles GET /api/machines/:name/transitions?from&to&limit.
// from and to are RFC3339 timestamps. Without from, the newest rows up to
// limit are returned, oldest first.
func (h *Handler) ListTransitions(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.store.FindMachineByName(ctx, parse.NormalizeName(c.Param("name")))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	filter := store.TransitionFilter{MachineID: m.ID, Limit: maxHistoryRows}
	for key, target := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + key + " timestamp, want RFC3339"})
			return
		}
		*target = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = min(n, maxHistoryRows)
	}

	rows, err := h.store.ListTransitions(ctx, filter)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve transitions"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

type noteRequest struct {
	Note string `json:"note" binding:"required"`
}

// SetTransitionNote handles PATCH /api/transitions/:id/note. The note can
// be written once; later attempts get 409.
func (h *Handler) SetTransitionNote(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid transition id"})
		return
	}
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Note) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "note is required"})
		return
	}

	rec, err := h.store.SetTransitionNote(c.Request.Context(), id, strings.TrimSpace(req.Note))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if h.history != nil {
		h.history.Invalidate(isHistoryPath)
	}
	c.JSON(http.StatusOK, rec)
}

func isHistoryPath(path string) bool {
	return strings.HasSuffix(path, "/transitions")
}
