package analysis

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// CompositeTool runs blackframe, text and label analysis in sequence and
// merges the sections with a summary. Any failing step fails the whole run.
type CompositeTool struct {
	blackframes *BlackframeTool
	text        *TextTool
	labels      *LabelsTool
}

func NewCompositeTool(bf *BlackframeTool, txt *TextTool, lbl *LabelsTool) *CompositeTool {
	return &CompositeTool{blackframes: bf, text: txt, labels: lbl}
}

func (t *CompositeTool) Kind() ToolKind { return ToolComplete }

func (t *CompositeTool) Execute(ctx context.Context, src Source) (*models.AnalysisResult, error) {
	bf, err := t.blackframes.scan(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("blackframes: %w", err)
	}
	txt, err := t.text.scan(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("text detection: %w", err)
	}
	lbl, err := t.labels.scan(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("label detection: %w", err)
	}

	return &models.AnalysisResult{
		Tool:        string(ToolComplete),
		Video:       src.Video,
		Blackframes: bf,
		Text:        txt,
		Labels:      lbl,
		Summary:     Summarize(bf, txt, lbl),
	}, nil
}

// Summarize counts each section. A video has issues when it contains black
// frames or on-screen text.
func Summarize(bf *models.BlackframeResult, txt *models.TextResult, lbl *models.LabelResult) *models.Summary {
	s := &models.Summary{}
	if bf != nil {
		s.BlackframesCount = bf.Count
	}
	if txt != nil {
		s.TextDetectionsCount = txt.Count
	}
	if lbl != nil {
		s.LabelsCount = len(lbl.UniqueLabels)
	}
	s.HasIssues = s.BlackframesCount > 0 || s.TextDetectionsCount > 0
	return s
}
