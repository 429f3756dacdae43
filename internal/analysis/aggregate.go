package analysis

import (
	"sort"
	"strings"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// LabelAggregator deduplicates label sightings across sampled frames.
// Labels are keyed case-insensitively; the first spelling seen wins.
type LabelAggregator struct {
	groups    map[string]*labelState
	sightings int
	frames    int
}

type labelState struct {
	name          string
	maxConfidence float64
	firstSeen     float64
	lastSeen      float64
	occurrences   int
	categories    map[string]struct{}
}

func NewLabelAggregator() *LabelAggregator {
	return &LabelAggregator{groups: make(map[string]*labelState)}
}

// AddFrame records one sampled frame, even when it produced no labels.
func (a *LabelAggregator) AddFrame() { a.frames++ }

// Add records one sighting of name at ts seconds.
func (a *LabelAggregator) Add(name string, confidence, ts float64, categories []string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	a.sightings++

	key := strings.ToLower(name)
	ls, exists := a.groups[key]
	if !exists {
		ls = &labelState{
			name:       name,
			firstSeen:  ts,
			lastSeen:   ts,
			categories: make(map[string]struct{}),
		}
		a.groups[key] = ls
	}

	ls.occurrences++
	if confidence > ls.maxConfidence {
		ls.maxConfidence = confidence
	}
	if ts < ls.firstSeen {
		ls.firstSeen = ts
	}
	if ts > ls.lastSeen {
		ls.lastSeen = ts
	}
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			ls.categories[c] = struct{}{}
		}
	}
}

// Result returns labels sorted by (MaxConfidence DESC, Name ASC).
// Returns an empty slice, never nil.
func (a *LabelAggregator) Result(video models.VideoMetadata) *models.LabelResult {
	labels := make([]models.LabelStat, 0, len(a.groups))
	for _, ls := range a.groups {
		stat := models.LabelStat{
			Name:          ls.name,
			MaxConfidence: ls.maxConfidence,
			FirstSeen:     ls.firstSeen,
			LastSeen:      ls.lastSeen,
			Occurrences:   ls.occurrences,
		}
		if len(ls.categories) > 0 {
			stat.Categories = make([]string, 0, len(ls.categories))
			for c := range ls.categories {
				stat.Categories = append(stat.Categories, c)
			}
			sort.Strings(stat.Categories)
		}
		labels = append(labels, stat)
	}

	sort.Slice(labels, func(i, j int) bool {
		if labels[i].MaxConfidence != labels[j].MaxConfidence {
			return labels[i].MaxConfidence > labels[j].MaxConfidence
		}
		return labels[i].Name < labels[j].Name
	})

	return &models.LabelResult{
		UniqueLabels:    labels,
		SampledFrames:   a.frames,
		TotalDetections: a.sightings,
		Video:           video,
	}
}
