package models

import (
	"time"

	"github.com/google/uuid"
)

// SearchFields is derived by the worker after analysis and read only by retrieval.
// A job without SearchFields simply never matches.
type SearchFields struct {
	Filename        string   `json:"filename"`
	Keywords        []string `json:"keywords"`
	Tags            []string `json:"tags"`
	TextSnippets    []string `json:"text_snippets"`
	Content         string   `json:"content"`
	HasLabels       bool     `json:"has_labels"`
	HasText         bool     `json:"has_text"`
	HasBlackframes  bool     `json:"has_blackframes"`
	BlackframeCount int      `json:"blackframe_count"`
	TextCount       int      `json:"text_count"`
	LabelCount      int      `json:"label_count"`
}

// SearchHit is one ranked retrieval result.
type SearchHit struct {
	JobID           uuid.UUID `json:"job_id"`
	Score           float64   `json:"score"`
	SessionID       string    `json:"session_id,omitempty"`
	Video           VideoRef  `json:"video"`
	Filename        string    `json:"filename"`
	Tags            []string  `json:"tags"`
	TextSnippets    []string  `json:"text_snippets"`
	HasText         bool      `json:"has_text"`
	HasBlackframes  bool      `json:"has_blackframes"`
	BlackframeCount int       `json:"blackframe_count"`
	TextCount       int       `json:"text_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}
