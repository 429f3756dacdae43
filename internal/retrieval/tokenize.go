package retrieval

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords are folded German and English question words, connectors and
// filler. Domain terms such as "text" are deliberately absent.
var stopwords = setOf(
	// German
	"welche", "welcher", "welches", "welchen", "zeig", "zeige", "zeigen", "mir", "finde", "finden",
	"suche", "suchen", "gibt", "es", "haben", "hat", "habe", "mit", "und", "oder", "der", "die",
	"das", "den", "dem", "des", "ein", "eine", "einen", "einem", "einer", "in", "im", "auf", "von",
	"vom", "zu", "zum", "ist", "sind", "alle", "allen", "enthalten", "enthalt", "bitte", "wo",
	"was", "wer", "wie", "ich", "meine", "meinen", "meiner", "mein", "gibts", "kann", "koennen",
	"konnen", "irgendwelche", "video", "videos", "clip", "clips", "drin", "darin", "vorkommen",
	"kommt", "vor", "sehen", "sieht", "man",
	// English
	"which", "what", "where", "who", "how", "show", "me", "find", "search", "the", "a", "an",
	"and", "or", "with", "on", "of", "to", "is", "are", "all", "any", "contain", "contains",
	"containing", "have", "has", "there", "please", "my", "do", "does", "that", "for", "i",
	"can", "see", "some", "list", "give",
)

// synonyms expand a folded token into domain equivalents. The token itself
// is always kept.
var synonyms = map[string][]string{
	"auto":      {"car", "vehicle", "automobile"},
	"autos":     {"car", "vehicle", "automobile"},
	"wagen":     {"car", "vehicle"},
	"fahrzeug":  {"vehicle", "car"},
	"fahrzeuge": {"vehicle", "car"},
	"car":       {"vehicle", "automobile"},
	"cars":      {"car", "vehicle", "automobile"},
	"vehicle":   {"car"},
	"person":    {"people", "human"},
	"personen":  {"person", "people", "human"},
	"mensch":    {"person", "people", "human"},
	"menschen":  {"person", "people", "human"},
	"people":    {"person", "human"},
	"leute":     {"person", "people", "human"},
	"mann":      {"man", "person"},
	"frau":      {"woman", "person"},
	"rot":       {"red"},
	"rote":      {"red"},
	"roten":     {"red"},
	"roter":     {"red"},
	"blau":      {"blue"},
	"blaue":     {"blue"},
	"blauen":    {"blue"},
	"grun":      {"green"},
	"grune":     {"green"},
	"grunen":    {"green"},
	"gelb":      {"yellow"},
	"gelbe":     {"yellow"},
	"schwarz":   {"black"},
	"schwarze":  {"black"},
	"weiss":     {"white"},
	"weisse":    {"white"},
	"hund":      {"dog", "animal", "pet"},
	"hunde":     {"dog", "animal", "pet"},
	"katze":     {"cat", "animal", "pet"},
	"katzen":    {"cat", "animal", "pet"},
	"tier":      {"animal"},
	"tiere":     {"animal"},
	"strasse":   {"road", "street"},
	"gebaude":   {"building"},
	"kleidung":  {"clothing", "apparel"},
	"logo":      {"brand"},
}

// Intent terms steer the structural filter and never count as content.
var (
	textIntentTerms       = setOf("text", "texte", "texts", "schrift", "beschriftung", "ocr", "words", "wort", "worter", "writing")
	blackframeIntentTerms = setOf("blackframe", "blackframes", "schwarzbild", "schwarzbilder")

	textIntentPattern       = regexp.MustCompile(`\b(on[- ]?screen|text|schrift|eingeblendet|ocr)\b`)
	blackframeIntentPattern = regexp.MustCompile(`\b(black[- ]?frames?|schwarze?n? (bilder|bildern|frames)|dunklen? (bilder|bildern|frames|stellen))\b`)
)

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lower-cases s and strips diacritics, so "Grün" and "grun" compare equal.
func Fold(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "ß", "ss")
	out, _, err := transform.String(foldChain, s)
	if err != nil {
		return s
	}
	return out
}

// Analysis is a query broken into what retrieval and the chat layer need.
type Analysis struct {
	// Normalized is the folded query with collapsed whitespace.
	Normalized string
	// Tokens are the surviving content tokens before expansion.
	Tokens []string
	// Terms are Tokens plus their synonyms, in first-seen order.
	Terms            []string
	TextIntent       bool
	BlackframeIntent bool
}

// Structural reports whether the query should use the has-text or
// has-blackframes filter instead of keyword scoring.
func (a Analysis) Structural() bool {
	return len(a.Tokens) == 0 && (a.TextIntent || a.BlackframeIntent)
}

// Analyze tokenizes query, drops stopwords, separates intent terms and
// expands synonyms.
func Analyze(query string) Analysis {
	folded := Fold(query)
	a := Analysis{Normalized: strings.Join(strings.Fields(folded), " ")}

	// intent phrases are removed so their words do not count as content
	if blackframeIntentPattern.MatchString(folded) {
		a.BlackframeIntent = true
		folded = blackframeIntentPattern.ReplaceAllString(folded, " ")
	}
	if textIntentPattern.MatchString(folded) {
		a.TextIntent = true
		folded = textIntentPattern.ReplaceAllString(folded, " ")
	}

	seen := make(map[string]struct{})
	for _, tok := range split(folded) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, ok := textIntentTerms[tok]; ok {
			a.TextIntent = true
			continue
		}
		if _, ok := blackframeIntentTerms[tok]; ok {
			a.BlackframeIntent = true
			continue
		}
		if len([]rune(tok)) < 2 {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		a.Tokens = append(a.Tokens, tok)
	}
	a.Terms = Expand(a.Tokens)
	return a
}

// Expand appends the synonyms of each token, skipping duplicates.
func Expand(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	seen := make(map[string]struct{}, len(tokens)*2)
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range tokens {
		add(t)
	}
	for _, t := range tokens {
		for _, syn := range synonyms[t] {
			add(syn)
		}
	}
	return out
}

// HasSynonyms reports whether token is a known vocabulary entry.
func HasSynonyms(token string) bool {
	_, ok := synonyms[Fold(token)]
	return ok
}

func split(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
