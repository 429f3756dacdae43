package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/framehunter/internal/media"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// BlackframeTool flags every frame whose mean luma is below the threshold.
type BlackframeTool struct {
	decoder   media.Decoder
	threshold float64
}

func NewBlackframeTool(decoder media.Decoder, threshold float64) *BlackframeTool {
	if threshold <= 0 {
		threshold = DefaultParams().BlackframeThreshold
	}
	return &BlackframeTool{decoder: decoder, threshold: threshold}
}

func (t *BlackframeTool) Kind() ToolKind { return ToolBlackframe }

func (t *BlackframeTool) Execute(ctx context.Context, src Source) (*models.AnalysisResult, error) {
	res, err := t.scan(ctx, src)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisResult{Tool: string(ToolBlackframe), Video: src.Video, Blackframes: res}, nil
}

func (t *BlackframeTool) scan(ctx context.Context, src Source) (*models.BlackframeResult, error) {
	if src.Path == "" {
		return nil, ErrMissingSource
	}
	info, err := t.decoder.Inspect(ctx, src.Path)
	if err != nil {
		return nil, fmt.Errorf("inspecting video: %w", err)
	}

	frames := make([]models.BlackFrame, 0)
	decoded, err := t.decoder.Luma(ctx, src.Path, info, func(frame int, mean float64) error {
		if mean < t.threshold {
			frames = append(frames, models.BlackFrame{
				Frame:      frame,
				Timestamp:  timestamp(frame, info.FPS),
				Brightness: mean,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}

	res := &models.BlackframeResult{
		Count:       len(frames),
		TotalFrames: decoded,
		FPS:         info.FPS,
		Frames:      frames,
	}
	if decoded > 0 {
		res.Percentage = float64(len(frames)) / float64(decoded) * 100
	}

	slog.Debug("blackframe scan finished",
		"key", src.Video.Key,
		"frames", decoded,
		"black", len(frames),
	)
	return res, nil
}
