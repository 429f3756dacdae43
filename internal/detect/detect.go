// Package detect wraps the image detection services used by the analysis tools.
package detect

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Sentinel errors for detection failures.
var (
	ErrDetectorUnavailable = errors.New("detector unavailable")
	ErrDetectorTimeout     = errors.New("detector timeout")
	ErrDetectorRejected    = errors.New("detector rejected image")
)

// Text detection granularity reported by the detector.
const (
	TextTypeLine = "LINE"
	TextTypeWord = "WORD"
)

type TextDetection struct {
	Text       string              `json:"text"`
	Confidence float64             `json:"confidence"`
	Type       string              `json:"type"`
	Box        *models.BoundingBox `json:"bbox,omitempty"`
}

type LabelDetection struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories,omitempty"`
}

// Detector runs text and label detection on a single JPEG image.
// Implementations return every detection; callers apply their own filters.
type Detector interface {
	DetectText(ctx context.Context, image []byte) ([]TextDetection, error)
	DetectLabels(ctx context.Context, image []byte) ([]LabelDetection, error)
}
