package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"cnc-monitor-backend/internal/dispatch"
	"cnc-monitor-backend/internal/parse"
)

const maxProgramSize = 8 << 20

// ListFiles handles GET /api/machines/:name/files.
func (h *Handler) ListFiles(c *gin.Context) {
	entries, err := h.dispatch.Files(c.Request.Context(), parse.NormalizeName(c.Param("name")))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// DeleteFile handles DELETE /api/machines/:name/files/:file.
func (h *Handler) DeleteFile(c *gin.Context) {
	err := h.dispatch.DeleteFile(c.Request.Context(), parse.NormalizeName(c.Param("name")), c.Param("file"))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// programMeta is the per-file metadata sent in the "jobs" form field, in
// the same order as the "programs" files.
type programMeta struct {
	WorkOrder        string `json:"workOrder"`
	ToolName         string `json:"toolName"`
	EstimatedSeconds int    `json:"estimatedSeconds"`
}

// Dispatch handles POST /api/machines/:name/dispatch (multipart). The
// first program is the next job; the others form the queued chain.
func (h *Handler) Dispatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["programs"]

	var metas []programMeta
	if raw := c.PostForm("jobs"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metas); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid jobs metadata"})
			return
		}
	}

	programs := make([]dispatch.Program, 0, len(files))
	for i, fh := range files {
		if fh.Size > maxProgramSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": fh.Filename + " is too large"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p := dispatch.Program{Name: fh.Filename, Data: data}
		if i < len(metas) {
			p.WorkOrder = metas[i].WorkOrder
			p.ToolName = metas[i].ToolName
			p.EstimatedSeconds = metas[i].EstimatedSeconds
		}
		programs = append(programs, p)
	}

	a, err := h.dispatch.Dispatch(c.Request.Context(), parse.NormalizeName(c.Param("name")), programs)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, a)
}
