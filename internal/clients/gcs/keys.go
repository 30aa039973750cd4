package gcs

import (
	"fmt"

	"github.com/google/uuid"
)

// Path conventions for job artifacts. Individual jobs live under jobs/,
// batch children under their batch, and each batch gets exactly one summary
// artifact.

func JobArtifactKey(jobID uuid.UUID, name string) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, name)
}

func BatchChildArtifactKey(batchID, childID uuid.UUID, name string) string {
	return fmt.Sprintf("batches/%s/jobs/%s/%s", batchID, childID, name)
}

func BatchSummaryKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batches/%s/summary.json", batchID)
}

// ResultKeyFor picks the canonical result path for a job based on its
// parentage.
func ResultKeyFor(jobID uuid.UUID, parentID *uuid.UUID) string {
	if parentID != nil {
		return BatchChildArtifactKey(*parentID, jobID, "result.json")
	}
	return JobArtifactKey(jobID, "result.json")
}
