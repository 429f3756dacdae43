package retrieval

import (
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// MaxLimit caps the number of hits a search may return.
const MaxLimit = 50

// Params holds the ranking constants. Zero values are not replaced; use
// DefaultParams or ParamsFromConfig.
type Params struct {
	ContentWeight   float64
	TagWeight       float64
	SnippetWeight   float64
	ExactBonus      float64
	StructuralScore float64
	// Hits scoring at or below MinScore are dropped.
	MinScore       float64
	DefaultLimit   int
	CandidateLimit int
	CacheSize      int
}

func DefaultParams() Params {
	return Params{
		ContentWeight:   1.0,
		TagWeight:       2.0,
		SnippetWeight:   1.5,
		ExactBonus:      0.5,
		StructuralScore: 1.0,
		MinScore:        0,
		DefaultLimit:    10,
		CandidateLimit:  500,
		CacheSize:       256,
	}
}

func ParamsFromConfig(cfg config.RetrievalConfig) Params {
	return Params{
		ContentWeight:   cfg.ContentWeight,
		TagWeight:       cfg.TagWeight,
		SnippetWeight:   cfg.SnippetWeight,
		ExactBonus:      cfg.ExactBonus,
		StructuralScore: cfg.StructuralScore,
		MinScore:        cfg.MinScore,
		DefaultLimit:    cfg.DefaultLimit,
		CandidateLimit:  cfg.CandidateLimit,
		CacheSize:       cfg.CacheSize,
	}
}

// document is the folded view of a job's search fields.
type document struct {
	content  string
	words    map[string]struct{}
	tags     []string
	snippets []string
	keywords []string
}

func newDocument(sf *models.SearchFields) document {
	d := document{
		content:  Fold(sf.Content),
		words:    make(map[string]struct{}),
		tags:     make([]string, 0, len(sf.Tags)),
		snippets: make([]string, 0, len(sf.TextSnippets)),
		keywords: make([]string, 0, len(sf.Keywords)),
	}
	for _, w := range strings.Fields(d.content) {
		d.words[w] = struct{}{}
	}
	for _, t := range sf.Tags {
		d.tags = append(d.tags, Fold(t))
	}
	for _, s := range sf.TextSnippets {
		d.snippets = append(d.snippets, Fold(s))
	}
	for _, k := range sf.Keywords {
		d.keywords = append(d.keywords, Fold(k))
	}
	return d
}

// matchesAny is the OR-of-keyword-contains candidate filter.
func (d document) matchesAny(terms []string) bool {
	for _, term := range terms {
		if strings.Contains(d.content, term) {
			return true
		}
		for _, k := range d.keywords {
			if strings.Contains(k, term) {
				return true
			}
		}
		for _, t := range d.tags {
			if strings.Contains(t, term) || strings.Contains(term, t) {
				return true
			}
		}
		for _, s := range d.snippets {
			if strings.Contains(s, term) {
				return true
			}
		}
	}
	return false
}

// Score sums the weighted matches of every term against sf. Adding a tag or
// snippet never lowers the score.
func Score(sf *models.SearchFields, terms []string, p Params) float64 {
	if sf == nil {
		return 0
	}
	return newDocument(sf).score(terms, p)
}

func (d document) score(terms []string, p Params) float64 {
	var score float64
	for _, term := range terms {
		if strings.Contains(d.content, term) {
			score += p.ContentWeight
		}
		for _, tag := range d.tags {
			if tag == "" {
				continue
			}
			if strings.Contains(tag, term) || strings.Contains(term, tag) {
				score += p.TagWeight
			}
		}
		for _, s := range d.snippets {
			if strings.Contains(s, term) {
				score += p.SnippetWeight
			}
		}
		if _, ok := d.words[term]; ok {
			score += p.ExactBonus
		}
	}
	return score
}
