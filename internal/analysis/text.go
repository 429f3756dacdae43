package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/detect"
	"github.com/kiranshivaraju/framehunter/internal/media"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// TextTool samples frames and keeps LINE-level OCR detections above the
// confidence floor.
type TextTool struct {
	decoder       media.Decoder
	detector      detect.Detector
	minConfidence float64
	sampleSeconds float64
}

func NewTextTool(decoder media.Decoder, detector detect.Detector, minConfidence, sampleSeconds float64) *TextTool {
	if sampleSeconds <= 0 {
		sampleSeconds = DefaultParams().TextSampleSeconds
	}
	return &TextTool{
		decoder:       decoder,
		detector:      detector,
		minConfidence: minConfidence,
		sampleSeconds: sampleSeconds,
	}
}

func (t *TextTool) Kind() ToolKind { return ToolText }

func (t *TextTool) Execute(ctx context.Context, src Source) (*models.AnalysisResult, error) {
	res, err := t.scan(ctx, src)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisResult{Tool: string(ToolText), Video: src.Video, Text: res}, nil
}

func (t *TextTool) scan(ctx context.Context, src Source) (*models.TextResult, error) {
	if src.Path == "" {
		return nil, ErrMissingSource
	}
	info, err := t.decoder.Inspect(ctx, src.Path)
	if err != nil {
		return nil, fmt.Errorf("inspecting video: %w", err)
	}

	step := media.StepFor(info.FPS, t.sampleSeconds)
	hits := make([]models.TextHit, 0)
	var sampled, failed int
	var lastErr error

	err = t.decoder.Sample(ctx, src.Path, info, step, func(frame int, jpeg []byte) error {
		sampled++
		dets, err := t.detector.DetectText(ctx, jpeg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			lastErr = err
			slog.Warn("text detection failed", "key", src.Video.Key, "frame", frame, "error", err)
			return nil
		}
		for _, d := range dets {
			if d.Type != detect.TextTypeLine || d.Confidence < t.minConfidence {
				continue
			}
			text := strings.TrimSpace(d.Text)
			if text == "" {
				continue
			}
			hits = append(hits, models.TextHit{
				Text:       text,
				Confidence: d.Confidence,
				Timestamp:  timestamp(frame, info.FPS),
				Frame:      frame,
				Box:        d.Box,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sample frames: %w", err)
	}
	if sampled > 0 && failed == sampled {
		return nil, fmt.Errorf("%w: %d text calls: %v", ErrNoDetections, failed, lastErr)
	}

	return &models.TextResult{
		Count: len(hits),
		Texts: hits,
		Video: videoMetadata(info),
	}, nil
}
