package blob

import (
	"fmt"

	"github.com/google/uuid"
)

// StudyVolumeKey locates the uploaded volume for a study.
func StudyVolumeKey(studyID uuid.UUID) string {
	return fmt.Sprintf("studies/%s/volume", studyID)
}

// ArtifactKey locates a job artifact by kind (segmentation, aligned_volume).
func ArtifactKey(jobID uuid.UUID, kind string) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, kind)
}

// CompletionMarkerKey locates the marker object written after all of a job's
// artifacts are durable. Its presence means every result location in the job
// record is readable.
func CompletionMarkerKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/.complete", jobID)
}
