package models

import (
	"time"

	"github.com/google/uuid"
)

// Study is the metadata record for an uploaded DICOM study. The raw archive
// and the decoded source volume live in the blob store; only their keys are
// tracked here.
type Study struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	StudyUID  string    `db:"study_uid"  json:"study_uid"`
	SeriesUID string    `db:"series_uid" json:"series_uid"`
	VolumeKey string    `db:"volume_key" json:"volume_key"`
	SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
