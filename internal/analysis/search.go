package analysis

import (
	"strings"
	"unicode"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	maxKeywords = 100
	maxTags     = 30
	maxSnippets = 10
	minTokenLen = 3
)

// DeriveSearchFields builds the retrieval index entry for a finished analysis.
// Keywords come from filename tokens, label names and OCR tokens; all are
// lower-cased and deduplicated in first-seen order.
func DeriveSearchFields(video models.VideoRef, res *models.AnalysisResult) *models.SearchFields {
	sf := &models.SearchFields{
		Filename:     video.Filename(),
		Keywords:     []string{},
		Tags:         []string{},
		TextSnippets: []string{},
	}
	kw := newOrderedSet(maxKeywords)
	for _, tok := range Tokens(video.Key) {
		kw.add(tok)
	}

	if res != nil && res.Labels != nil {
		sf.HasLabels = true
		sf.LabelCount = len(res.Labels.UniqueLabels)
		tags := newOrderedSet(maxTags)
		for _, l := range res.Labels.UniqueLabels {
			name := strings.ToLower(strings.TrimSpace(l.Name))
			tags.add(name)
			for _, tok := range Tokens(name) {
				kw.add(tok)
			}
		}
		sf.Tags = tags.items
	}

	if res != nil && res.Text != nil {
		sf.TextCount = res.Text.Count
		snippets := newOrderedSet(maxSnippets)
		for _, hit := range res.Text.Texts {
			snippets.add(strings.TrimSpace(hit.Text))
			for _, tok := range Tokens(hit.Text) {
				kw.add(tok)
			}
		}
		sf.TextSnippets = snippets.items
		sf.HasText = len(snippets.items) > 0
	}

	if res != nil && res.Blackframes != nil {
		sf.HasBlackframes = res.Blackframes.Count > 0
		sf.BlackframeCount = res.Blackframes.Count
	}

	sf.Keywords = kw.items
	sf.Content = strings.Join(kw.items, " ")
	return sf
}

// Tokens splits s on anything but letters and digits and keeps lower-cased
// tokens of at least three characters.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

type orderedSet struct {
	limit int
	seen  map[string]struct{}
	items []string
}

func newOrderedSet(limit int) *orderedSet {
	return &orderedSet{limit: limit, seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(v string) {
	if v == "" || len(s.items) >= s.limit {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
