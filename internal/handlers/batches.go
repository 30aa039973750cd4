package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/services"
)

type BatchesHandler struct {
	submit services.SubmissionService
	jobs   services.JobService
}

func NewBatchesHandler(submit services.SubmissionService, jobs services.JobService) *BatchesHandler {
	return &BatchesHandler{submit: submit, jobs: jobs}
}

// POST /api/batches
func (h *BatchesHandler) SubmitBatch(c *gin.Context) {
	var req services.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	parent, err := h.submit.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondCreated(c, gin.H{"batch": parent})
}

// GET /api/batches/:id
func (h *BatchesHandler) GetBatchByID(c *gin.Context) {
	batchID, ok := parseID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	f := jobsrepo.ChildFilter{
		Status: domain.JobStatus(c.Query("status")),
		Page:   page,
		Limit:  limit,
	}
	detail, err := h.jobs.GetBatch(c.Request.Context(), batchID, f)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, detail)
}

// POST /api/batches/:id/cancel
func (h *BatchesHandler) CancelBatch(c *gin.Context) {
	batchID, ok := parseID(c)
	if !ok {
		return
	}
	parent, err := h.jobs.CancelBatch(c.Request.Context(), batchID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"batch": parent})
}
