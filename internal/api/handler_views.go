package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cnc-monitor-backend/internal/views"
)

// GetView handles GET /api/views/:kind?date&shift. It answers once and
// does not subscribe; live updates go through /ws.
func (h *Handler) GetView(c *gin.Context) {
	kind, ok := views.ParseKind(c.Param("kind"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown view"})
		return
	}
	data, err := h.views.Compute(c.Request.Context(), kind, views.Params{Date: c.Query("date"), Shift: c.Query("shift")})
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": kind, "data": data})
}
