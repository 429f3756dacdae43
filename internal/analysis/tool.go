// Package analysis implements the media analysis tools run by the worker.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/detect"
	"github.com/kiranshivaraju/framehunter/internal/media"
	"github.com/kiranshivaraju/framehunter/internal/objectstore"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

var (
	ErrNoDetections  = errors.New("every detection call failed")
	ErrMissingSource = errors.New("missing source file")
)

// ToolKind is the closed set of analysis tools.
type ToolKind string

const (
	ToolBlackframe ToolKind = "blackframe"
	ToolText       ToolKind = "text"
	ToolLabels     ToolKind = "labels"
	ToolComplete   ToolKind = "complete"
	ToolArchive    ToolKind = "archive"
)

// DefaultTool runs when a job names no tool or an unknown one.
const DefaultTool = ToolComplete

var toolAliases = map[string]ToolKind{
	"blackframe":                ToolBlackframe,
	"blackframes":               ToolBlackframe,
	"detect_blackframes":        ToolBlackframe,
	"text":                      ToolText,
	"rekognition_detect_text":   ToolText,
	"labels":                    ToolLabels,
	"rekognition_detect_labels": ToolLabels,
	"complete":                  ToolComplete,
	"analyze_video_complete":    ToolComplete,
	"archive":                   ToolArchive,
	"unzip_files":               ToolArchive,
	"process_zip_file":          ToolArchive,
}

// ParseToolKind maps a tool name or legacy alias onto a ToolKind.
// ok is false when the name was empty or unknown and the default was chosen.
func ParseToolKind(name string) (kind ToolKind, ok bool) {
	if k, found := toolAliases[strings.ToLower(strings.TrimSpace(name))]; found {
		return k, true
	}
	return DefaultTool, false
}

// Source is a downloaded object ready for analysis.
type Source struct {
	Video models.VideoRef
	// Path is the local file holding the object's bytes.
	Path string
}

// Tool executes one kind of analysis. Tools are stateless across calls.
type Tool interface {
	Kind() ToolKind
	Execute(ctx context.Context, src Source) (*models.AnalysisResult, error)
}

// Params tunes detection thresholds.
type Params struct {
	BlackframeThreshold float64
	MinTextConfidence   float64
	// TextSampleSeconds and LabelSampleSeconds set the sampling interval.
	TextSampleSeconds  float64
	LabelSampleSeconds float64
}

func DefaultParams() Params {
	return Params{
		BlackframeThreshold: 20,
		MinTextConfidence:   50,
		TextSampleSeconds:   1,
		LabelSampleSeconds:  2,
	}
}

// Toolset resolves a ToolKind to its Tool.
type Toolset struct {
	tools map[ToolKind]Tool
}

// NewToolset wires every tool kind. objects may be nil when archive
// extraction is not needed; the archive tool then fails at execution.
func NewToolset(decoder media.Decoder, detector detect.Detector, objects objectstore.Store, p Params) *Toolset {
	bf := NewBlackframeTool(decoder, p.BlackframeThreshold)
	txt := NewTextTool(decoder, detector, p.MinTextConfidence, p.TextSampleSeconds)
	lbl := NewLabelsTool(decoder, detector, p.LabelSampleSeconds)
	return &Toolset{tools: map[ToolKind]Tool{
		ToolBlackframe: bf,
		ToolText:       txt,
		ToolLabels:     lbl,
		ToolComplete:   NewCompositeTool(bf, txt, lbl),
		ToolArchive:    NewArchiveTool(objects),
	}}
}

// NewToolsetFrom builds a Toolset from explicit tools, mostly for tests.
func NewToolsetFrom(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[ToolKind]Tool, len(tools))}
	for _, t := range tools {
		ts.tools[t.Kind()] = t
	}
	return ts
}

func (ts *Toolset) Get(kind ToolKind) (Tool, error) {
	t, ok := ts.tools[kind]
	if !ok {
		return nil, fmt.Errorf("no tool registered for %q", kind)
	}
	return t, nil
}

func videoMetadata(info *media.VideoInfo) models.VideoMetadata {
	return models.VideoMetadata{
		TotalFrames:     info.TotalFrames,
		FPS:             info.FPS,
		DurationSeconds: info.DurationSeconds,
	}
}

func timestamp(frame int, fps float64) float64 {
	if fps <= 0 {
		fps = media.DefaultFPS
	}
	return float64(frame) / fps
}
