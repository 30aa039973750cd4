package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/foldbridge/foldbridge-backend/internal/workers"
)

// ReportsHandler receives worker completion callbacks on the internal
// surface; it is not mounted under /api.
type ReportsHandler struct {
	reporter workers.Reporter
}

func NewReportsHandler(reporter workers.Reporter) *ReportsHandler {
	return &ReportsHandler{reporter: reporter}
}

// POST /internal/jobs/:id/report
func (h *ReportsHandler) Report(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}
	var report workers.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	if err := h.reporter.Report(c.Request.Context(), jobID, report); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"accepted": true})
}
