package services

import (
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/sse"
)

// JobNotifier fans job lifecycle events out to stream subscribers. The client
// cache uses these as invalidation hints; polling remains the source of truth.
type JobNotifier interface {
	JobCreated(job *domain.Job)
	JobQueued(job *domain.Job)
	JobDone(job *domain.Job)
	JobFailed(job *domain.Job)
	JobCancelled(job *domain.Job)
	BatchProgress(parent *domain.Job, progress domain.BatchProgress)
	BatchDone(parent *domain.Job)
}

type jobNotifier struct {
	hub *sse.Hub
}

func NewJobNotifier(hub *sse.Hub) JobNotifier {
	return &jobNotifier{hub: hub}
}

func (n *jobNotifier) emit(job *domain.Job, event sse.Event, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["job_id"] = job.ID
	data["kind"] = job.Kind
	data["status"] = job.Status
	n.hub.Broadcast(sse.Message{Channel: sse.ChannelAll, Event: event, Data: data})
	n.hub.Broadcast(sse.Message{Channel: job.ID.String(), Event: event, Data: data})
	if job.ParentID != nil {
		n.hub.Broadcast(sse.Message{Channel: job.ParentID.String(), Event: event, Data: data})
	}
}

func (n *jobNotifier) JobCreated(job *domain.Job) { n.emit(job, sse.EventJobCreated, nil) }
func (n *jobNotifier) JobQueued(job *domain.Job)  { n.emit(job, sse.EventJobQueued, nil) }
func (n *jobNotifier) JobDone(job *domain.Job)    { n.emit(job, sse.EventJobDone, nil) }

func (n *jobNotifier) JobFailed(job *domain.Job) {
	n.emit(job, sse.EventJobFailed, map[string]any{
		"error_code": job.ErrorCode,
		"error":      job.Error,
	})
}

func (n *jobNotifier) JobCancelled(job *domain.Job) { n.emit(job, sse.EventJobCancelled, nil) }

func (n *jobNotifier) BatchProgress(parent *domain.Job, progress domain.BatchProgress) {
	n.emit(parent, sse.EventBatchProgress, map[string]any{"progress": progress})
}

func (n *jobNotifier) BatchDone(parent *domain.Job) { n.emit(parent, sse.EventBatchDone, nil) }
