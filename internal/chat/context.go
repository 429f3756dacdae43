package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	contextLabelConfidence = 70
	contextTextConfidence  = 50

	systemPrompt = "You are a video analysis assistant. Answer briefly and only from the analysed videos listed by the user. If they do not answer the question, say so."
	noContext    = "No completed video analysis found."
)

type contextLimits struct {
	jobs         int
	labels       int
	texts        int
	snippetBytes int
	totalBytes   int
}

func defaultContextLimits() contextLimits {
	return contextLimits{jobs: 5, labels: 15, texts: 10, snippetBytes: 120, totalBytes: 4000}
}

// buildContext renders finished jobs into the bounded prompt context.
func buildContext(jobs []*models.Job, l contextLimits) string {
	var b strings.Builder
	n := 0
	for _, j := range jobs {
		if n >= l.jobs {
			break
		}
		if len(j.Result) == 0 {
			continue
		}
		var res models.AnalysisResult
		if err := json.Unmarshal(j.Result, &res); err != nil {
			slog.Warn("skipping unreadable result in chat context", "job_id", j.ID, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		writeJob(&b, j, &res, l)
		n++
	}
	if b.Len() == 0 {
		return noContext
	}
	return truncateString(b.String(), l.totalBytes)
}

func writeJob(b *strings.Builder, j *models.Job, res *models.AnalysisResult, l contextLimits) {
	fmt.Fprintf(b, "Video: %s\n", j.Video.Filename())

	if res.Labels != nil {
		names := make([]string, 0, l.labels)
		for _, s := range res.Labels.UniqueLabels {
			if len(names) >= l.labels {
				break
			}
			if s.MaxConfidence > contextLabelConfidence {
				names = append(names, truncateString(s.Name, l.snippetBytes))
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(b, "Labels detected: %s\n", strings.Join(names, ", "))
		}
	}

	if res.Text != nil {
		texts := make([]string, 0, l.texts)
		seen := make(map[string]struct{})
		for _, t := range res.Text.Texts {
			if len(texts) >= l.texts {
				break
			}
			if t.Confidence <= contextTextConfidence {
				continue
			}
			if _, dup := seen[t.Text]; dup {
				continue
			}
			seen[t.Text] = struct{}{}
			texts = append(texts, truncateString(t.Text, l.snippetBytes))
		}
		if len(texts) > 0 {
			fmt.Fprintf(b, "Text detected: %s\n", strings.Join(texts, ", "))
		}
	}

	if res.Blackframes != nil {
		fmt.Fprintf(b, "Black frames: %d\n", res.Blackframes.Count)
	}
	fmt.Fprintf(b, "Job ID: %s\n", j.ID)
}

func userPrompt(question, context string) string {
	return fmt.Sprintf("Analysed videos:\n%s\n\nQuestion: %s", context, strings.TrimSpace(question))
}

// truncateString cuts s to at most maxBytes without splitting a rune.
func truncateString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
