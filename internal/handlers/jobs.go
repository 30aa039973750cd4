package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/services"
)

type JobsHandler struct {
	submit services.SubmissionService
	jobs   services.JobService
}

func NewJobsHandler(submit services.SubmissionService, jobs services.JobService) *JobsHandler {
	return &JobsHandler{submit: submit, jobs: jobs}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return id, true
}

// POST /api/jobs
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	var req services.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	job, err := h.submit.SubmitJob(c.Request.Context(), req)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id?include_result=true
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}
	includeResult := c.Query("include_result") == "true"
	job, err := h.jobs.GetJob(c.Request.Context(), jobID, includeResult)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	f := jobsrepo.ListFilter{Limit: limit, Offset: offset}
	if kind := c.Query("kind"); kind != "" {
		f.Kinds = []domain.JobKind{domain.JobKind(kind)}
	}
	jobs, err := h.jobs.ListJobs(c.Request.Context(), f)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// POST /api/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.jobs.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}
