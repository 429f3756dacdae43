package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/framehunter/internal/detect"
	"github.com/kiranshivaraju/framehunter/internal/media"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// LabelsTool samples frames and aggregates label detections across the video.
type LabelsTool struct {
	decoder       media.Decoder
	detector      detect.Detector
	sampleSeconds float64
}

func NewLabelsTool(decoder media.Decoder, detector detect.Detector, sampleSeconds float64) *LabelsTool {
	if sampleSeconds <= 0 {
		sampleSeconds = DefaultParams().LabelSampleSeconds
	}
	return &LabelsTool{decoder: decoder, detector: detector, sampleSeconds: sampleSeconds}
}

func (t *LabelsTool) Kind() ToolKind { return ToolLabels }

func (t *LabelsTool) Execute(ctx context.Context, src Source) (*models.AnalysisResult, error) {
	res, err := t.scan(ctx, src)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisResult{Tool: string(ToolLabels), Video: src.Video, Labels: res}, nil
}

func (t *LabelsTool) scan(ctx context.Context, src Source) (*models.LabelResult, error) {
	if src.Path == "" {
		return nil, ErrMissingSource
	}
	info, err := t.decoder.Inspect(ctx, src.Path)
	if err != nil {
		return nil, fmt.Errorf("inspecting video: %w", err)
	}

	agg := NewLabelAggregator()
	var sampled, failed int
	var lastErr error

	step := media.StepFor(info.FPS, t.sampleSeconds)
	err = t.decoder.Sample(ctx, src.Path, info, step, func(frame int, jpeg []byte) error {
		sampled++
		labels, err := t.detector.DetectLabels(ctx, jpeg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			lastErr = err
			slog.Warn("label detection failed", "key", src.Video.Key, "frame", frame, "error", err)
			return nil
		}
		agg.AddFrame()
		ts := timestamp(frame, info.FPS)
		for _, l := range labels {
			agg.Add(l.Name, l.Confidence, ts, l.Categories)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sample frames: %w", err)
	}
	if sampled > 0 && failed == sampled {
		return nil, fmt.Errorf("%w: %d label calls: %v", ErrNoDetections, failed, lastErr)
	}

	return agg.Result(videoMetadata(info)), nil
}
