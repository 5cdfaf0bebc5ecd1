package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelDescriptor describes one registered inference model. The pipeline
// accepts any ONNX graph whose input is a (1, 1, Z, Y, X) float32 tensor and
// whose output is (1, num_classes, Z, Y, X) logits.
type ModelDescriptor struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	Name          string     `db:"name"           json:"name"`
	OnnxPath      string     `db:"onnx_path"      json:"onnx_path"`
	Modality      string     `db:"modality"       json:"modality"`
	PatchSize     [3]int     `db:"patch_size"     json:"patch_size"`
	NumClasses    int        `db:"num_classes"    json:"num_classes"`
	TargetSpacing [3]float64 `db:"target_spacing" json:"target_spacing"`
	WindowCenter  float64    `db:"window_center"  json:"window_center"`
	WindowWidth   float64    `db:"window_width"   json:"window_width"`
	IsActive      bool       `db:"is_active"      json:"is_active"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
}
