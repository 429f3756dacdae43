package models

// AnalysisResult is the payload stored in Job.Result once a tool has run.
// Only the sections produced by the executed tool are set.
type AnalysisResult struct {
	Tool        string            `json:"tool"`
	Video       VideoRef          `json:"video"`
	Blackframes *BlackframeResult `json:"blackframes,omitempty"`
	Text        *TextResult       `json:"text_detection,omitempty"`
	Labels      *LabelResult      `json:"label_detection,omitempty"`
	Archive     *ArchiveResult    `json:"archive,omitempty"`
	Summary     *Summary          `json:"summary,omitempty"`
}

type BlackFrame struct {
	Frame      int     `json:"frame"`
	Timestamp  float64 `json:"timestamp"`
	Brightness float64 `json:"brightness"`
}

type BlackframeResult struct {
	Count       int          `json:"count"`
	TotalFrames int          `json:"total_frames"`
	FPS         float64      `json:"fps"`
	Percentage  float64      `json:"percentage"`
	Frames      []BlackFrame `json:"frames"`
}

// BoundingBox is expressed as ratios of the frame dimensions.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type TextHit struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Timestamp  float64      `json:"timestamp"`
	Frame      int          `json:"frame"`
	Box        *BoundingBox `json:"bbox,omitempty"`
}

type VideoMetadata struct {
	TotalFrames     int     `json:"total_frames"`
	FPS             float64 `json:"fps"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type TextResult struct {
	Count int           `json:"count"`
	Texts []TextHit     `json:"text_detections"`
	Video VideoMetadata `json:"video_metadata"`
}

// LabelStat aggregates every sighting of one label across the whole video.
type LabelStat struct {
	Name          string   `json:"name"`
	MaxConfidence float64  `json:"max_confidence"`
	FirstSeen     float64  `json:"first_seen"`
	LastSeen      float64  `json:"last_seen"`
	Occurrences   int      `json:"occurrences"`
	Categories    []string `json:"categories,omitempty"`
}

type LabelResult struct {
	UniqueLabels    []LabelStat   `json:"unique_labels"`
	SampledFrames   int           `json:"sampled_frames"`
	TotalDetections int           `json:"total_detections"`
	Video           VideoMetadata `json:"video_metadata"`
}

type ExtractedObject struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

type ArchiveResult struct {
	Bucket    string            `json:"bucket"`
	Prefix    string            `json:"prefix"`
	Extracted []ExtractedObject `json:"extracted"`
	Skipped   int               `json:"skipped"`
}

type Summary struct {
	BlackframesCount    int  `json:"blackframes_count"`
	TextDetectionsCount int  `json:"text_detections_count"`
	LabelsCount         int  `json:"labels_count"`
	HasIssues           bool `json:"has_issues"`
}
