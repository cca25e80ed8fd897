package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/parse"
	"cnc-monitor-backend/internal/statecache"
)

// machineResponse is a directory entry with its live state.
type machineResponse struct {
	model.Machine
	State statecache.Entry `json:"state"`
}

func (h *Handler) withState(m model.Machine, snapshot map[string]statecache.Entry) machineResponse {
	state, ok := snapshot[m.Name]
	if !ok {
		state = statecache.Entry{Status: model.StatusUnknown}
	}
	return machineResponse{Machine: m, State: state}
}

// ListMachines handles GET /api/machines.
func (h *Handler) ListMachines(c *gin.Context) {
	machines, err := h.store.ListMachines(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve machines"})
		return
	}

	snapshot := h.cache.Snapshot()
	response := make([]machineResponse, 0, len(machines))
	for _, m := range machines {
		response = append(response, h.withState(m, snapshot))
	}
	c.JSON(http.StatusOK, response)
}

type variantRequest struct {
	Variant string `json:"variant" binding:"required"`
}

// SetVariant handles PUT /api/machines/:name/variant. It switches the
// transfer implementation used for the machine's controller.
func (h *Handler) SetVariant(c *gin.Context) {
	var req variantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "variant is required"})
		return
	}
	variant, ok := model.ParseVariant(req.Variant)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "variant must be standard or active"})
		return
	}

	m, err := h.store.SetMachineVariant(c.Request.Context(), parse.NormalizeName(c.Param("name")), variant)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.withState(*m, h.cache.Snapshot()))
}

// GetMachine handles GET /api/machines/:name.
func (h *Handler) GetMachine(c *gin.Context) {
	m, err := h.store.FindMachineByName(c.Request.Context(), parse.NormalizeName(c.Param("name")))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.withState(*m, h.cache.Snapshot()))
}
