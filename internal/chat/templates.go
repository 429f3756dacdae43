package chat

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	templateTags     = 3
	templateSnippets = 3
)

var brands = map[string]string{
	"bmw": "BMW", "audi": "Audi", "mercedes": "Mercedes", "porsche": "Porsche",
	"volkswagen": "Volkswagen", "vw": "VW", "opel": "Opel", "ford": "Ford",
	"toyota": "Toyota", "tesla": "Tesla", "nike": "Nike", "adidas": "Adidas",
	"puma": "Puma", "apple": "Apple", "samsung": "Samsung", "coca": "Coca-Cola",
	"pepsi": "Pepsi", "redbull": "Red Bull", "lufthansa": "Lufthansa",
}

// brandIn returns the first brand token of the query.
func brandIn(a retrieval.Analysis) (token, display string, ok bool) {
	for _, tok := range a.Tokens {
		if name, found := brands[tok]; found {
			return tok, name, true
		}
	}
	return "", "", false
}

func templatedAnswer(a retrieval.Analysis, hits []models.SearchHit) string {
	if tok, name, ok := brandIn(a); ok {
		return brandAnswer(tok, name, hits)
	}
	switch {
	case a.BlackframeIntent && len(a.Tokens) == 0:
		return blackframeAnswer(hits)
	case a.TextIntent && len(a.Tokens) == 0:
		return textAnswer(hits)
	default:
		return genericAnswer(hits)
	}
}

func brandAnswer(token, name string, hits []models.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found %s mentioning %s:", plural(len(hits), "video"), name)
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- %s", h.Filename)
		if s := snippetMentioning(h.TextSnippets, token); s != "" {
			fmt.Fprintf(&b, ": on-screen text %q", s)
		} else if len(h.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(head(h.Tags, templateTags), ", "))
		}
	}
	return b.String()
}

func textAnswer(hits []models.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s contain on-screen text:", capitalize(plural(len(hits), "video")))
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- %s", h.Filename)
		if snips := head(h.TextSnippets, templateSnippets); len(snips) > 0 {
			quoted := make([]string, len(snips))
			for i, s := range snips {
				quoted[i] = fmt.Sprintf("%q", s)
			}
			fmt.Fprintf(&b, ": %s", strings.Join(quoted, ", "))
		}
	}
	return b.String()
}

func blackframeAnswer(hits []models.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s contain black frames:", capitalize(plural(len(hits), "video")))
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- %s: %s", h.Filename, plural(h.BlackframeCount, "black frame"))
	}
	return b.String()
}

func genericAnswer(hits []models.SearchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found %s matching your question:", plural(len(hits), "video"))
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- %s", h.Filename)
		if len(h.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(head(h.Tags, templateTags), ", "))
		}
	}
	return b.String()
}

func progressAnswer(c statusCounts) string {
	parts := []string{fmt.Sprintf("%d running", c.pending())}
	if c.done > 0 {
		parts = append(parts, fmt.Sprintf("%d done", c.done))
	}
	if c.failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", c.failed))
	}
	return fmt.Sprintf("Your analysis is still in progress (%s). Ask again once it has finished.",
		strings.Join(parts, ", "))
}

// cannedAnswer is used when no other path produced text.
func cannedAnswer(a retrieval.Analysis) string {
	switch {
	case a.BlackframeIntent:
		return "I couldn't find videos with black frames. Finished analyses report black frames per video; try again once your jobs are done."
	case a.TextIntent:
		return "I couldn't find videos with on-screen text. Try naming the text you are looking for, for example a brand like BMW."
	default:
		return "I couldn't find matching videos. Try different search terms, for example a label like car or a brand like BMW."
	}
}

func snippetMentioning(snippets []string, token string) string {
	for _, s := range snippets {
		if strings.Contains(retrieval.Fold(s), token) {
			return s
		}
	}
	return ""
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var suggestions = []string{
	"Zeig mir Videos mit Autos",
	"Gibt es Videos mit Blackframes?",
	"Welche Videos enthalten BMW Text?",
	"Show me videos with cars",
	"Which videos have on-screen text?",
	"How far along is the analysis?",
}

// Suggestions returns example questions the chat answers well.
func Suggestions() []string {
	return append([]string{}, suggestions...)
}
