// Package selector scores registry specialists against an incoming request.
// Selection is a pure function of the registry snapshot and the request.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"hostmedic/internal/logging"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

// =============================================================================
// SCORING WEIGHTS
// =============================================================================

const (
	KeywordWeight = 10
	TagWeight     = 15
	SymptomWeight = 20

	// MinPrimaryScore is the match floor: at least one whole keyword.
	MinPrimaryScore = 10
	// MinSecondaryScore is the floor for a secondary specialist.
	MinSecondaryScore = 30
)

// Request is the input to selection.
type Request struct {
	Text       string
	IntentTags []string
}

// Candidate is one scored specialist.
type Candidate struct {
	ID              string       `json:"id"`
	Domain          types.Domain `json:"domain"`
	Score           int          `json:"score"`
	Priority        int          `json:"priority"`
	MatchedKeywords []string     `json:"matched_keywords,omitempty"`
	MatchedTags     []string     `json:"matched_tags,omitempty"`
	MatchedSymptoms []string     `json:"matched_symptoms,omitempty"`
}

// Selection is the advisory result of scoring.
type Selection struct {
	Primary         registry.Definition  `json:"primary"`
	Secondary       *registry.Definition `json:"secondary,omitempty"`
	Score           int                  `json:"score"`
	SecondaryScore  int                  `json:"secondary_score,omitempty"`
	MatchedKeywords []string             `json:"matched_keywords,omitempty"`
	MatchedTags     []string             `json:"matched_tags,omitempty"`
	MatchedSymptoms []string             `json:"matched_symptoms,omitempty"`
	Reasoning       string               `json:"reasoning"`
	RegistryVersion uint64               `json:"registry_version"`
	Candidates      []Candidate          `json:"candidates,omitempty"`
}

// Select picks a primary specialist and optionally one secondary from a
// different domain. It returns a KindNoMatchingSpecialist error when nothing
// reaches the match floor; callers must ask the user to clarify.
func Select(snap *registry.Snapshot, req Request) (Selection, error) {
	ranked := Rank(snap, req)

	if len(ranked) == 0 || ranked[0].Score < MinPrimaryScore {
		logging.Selector("No specialist reached the match floor for %q", req.Text)
		return Selection{}, types.NewError(types.KindNoMatchingSpecialist, "select",
			"no specialist matched the request; please describe the symptom in more detail (for example what stopped working and since when)")
	}

	top := ranked[0]
	primary, _ := snap.Get(top.ID)
	sel := Selection{
		Primary:         primary,
		Score:           top.Score,
		MatchedKeywords: top.MatchedKeywords,
		MatchedTags:     top.MatchedTags,
		MatchedSymptoms: top.MatchedSymptoms,
		RegistryVersion: snap.Version(),
		Candidates:      ranked,
	}

	for _, c := range ranked[1:] {
		if c.Domain == top.Domain {
			continue
		}
		if c.Score >= MinSecondaryScore {
			def, _ := snap.Get(c.ID)
			sel.Secondary = &def
			sel.SecondaryScore = c.Score
		}
		break
	}

	sel.Reasoning = reasoning(top, sel.Secondary, sel.SecondaryScore, ranked)
	logging.Selector("Selected %s (score %d) for %q", top.ID, top.Score, req.Text)
	return sel, nil
}

// Rank scores every enabled specialist and returns the candidates with a
// positive score, best first. Ties break on priority (higher first), then id.
func Rank(snap *registry.Snapshot, req Request) []Candidate {
	text := tokenize(req.Text)
	tags := make(map[string]struct{}, len(req.IntentTags))
	for _, t := range req.IntentTags {
		tags[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	var out []Candidate
	for _, def := range snap.Enabled() {
		c := Candidate{ID: def.ID, Domain: def.Domain, Priority: def.Priority}
		for _, kw := range def.Keywords {
			if text.contains(kw) {
				c.MatchedKeywords = append(c.MatchedKeywords, kw)
			}
		}
		for _, tag := range def.IntentTags {
			if _, ok := tags[tag]; ok {
				c.MatchedTags = append(c.MatchedTags, tag)
			}
		}
		for _, sym := range def.Symptoms {
			if text.contains(sym) {
				c.MatchedSymptoms = append(c.MatchedSymptoms, sym)
			}
		}
		c.Score = KeywordWeight*len(c.MatchedKeywords) +
			TagWeight*len(c.MatchedTags) +
			SymptomWeight*len(c.MatchedSymptoms)
		if c.Score > 0 {
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func reasoning(top Candidate, secondary *registry.Definition, secondaryScore int, ranked []Candidate) string {
	var parts []string
	if len(top.MatchedSymptoms) > 0 {
		parts = append(parts, fmt.Sprintf("symptoms %s", quoteAll(top.MatchedSymptoms)))
	}
	if len(top.MatchedKeywords) > 0 {
		parts = append(parts, fmt.Sprintf("keywords %s", quoteAll(top.MatchedKeywords)))
	}
	if len(top.MatchedTags) > 0 {
		parts = append(parts, fmt.Sprintf("intent tags %s", quoteAll(top.MatchedTags)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Selected %s (score %d) because the request matched %s.", top.ID, top.Score, strings.Join(parts, " and "))
	if len(ranked) > 1 && ranked[1].Score == top.Score {
		fmt.Fprintf(&b, " Tied with %s at %d; chosen by priority %d vs %d, then id order.", ranked[1].ID, ranked[1].Score, top.Priority, ranked[1].Priority)
	}
	if secondary != nil {
		fmt.Fprintf(&b, " Also consulting %s (score %d) from the %s domain.", secondary.ID, secondaryScore, secondary.Domain)
	}
	return b.String()
}

func quoteAll(in []string) string {
	q := make([]string, len(in))
	for i, s := range in {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}

// =============================================================================
// TOKENIZATION
// =============================================================================

type tokens []string

// tokenize lowercases text and splits it into words. Apostrophes stay inside
// words so "can't" matches as one token.
func tokenize(s string) tokens {
	s = strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// contains reports whether phrase occurs as a whole-word sequence.
func (t tokens) contains(phrase string) bool {
	words := tokenize(phrase)
	if len(words) == 0 || len(words) > len(t) {
		return false
	}
outer:
	for i := 0; i+len(words) <= len(t); i++ {
		for j, w := range words {
			if t[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
