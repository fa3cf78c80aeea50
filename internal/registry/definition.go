// Package registry holds the declarative specialist definitions.
//
// Definitions are loaded from a YAML policy source (validated against an
// embedded JSON Schema), normalized, and published as an immutable Snapshot.
// A Registry swaps snapshots atomically on an explicit, versioned reload; a
// run keeps the snapshot it started with.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"hostmedic/internal/evidence"
	"hostmedic/internal/types"
)

// Definition describes one diagnostic specialist.
type Definition struct {
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	Domain           types.Domain     `json:"domain" yaml:"domain"`
	Keywords         []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	IntentTags       []string         `json:"intent_tags,omitempty" yaml:"intent_tags,omitempty"`
	Symptoms         []string         `json:"symptoms,omitempty" yaml:"symptoms,omitempty"`
	RequiredEvidence []evidence.Topic `json:"required_evidence,omitempty" yaml:"required_evidence,omitempty"`
	OptionalEvidence []evidence.Topic `json:"optional_evidence,omitempty" yaml:"optional_evidence,omitempty"`
	AllowedPlaybooks []string         `json:"allowed_playbooks,omitempty" yaml:"allowed_playbooks,omitempty"`
	CaseFileName     string           `json:"case_file_name" yaml:"case_file_name"`
	Priority         int              `json:"priority" yaml:"priority"`
	Enabled          bool             `json:"enabled" yaml:"-"`
}

// Topics returns required followed by optional evidence topics.
func (d Definition) Topics() []evidence.Topic {
	out := make([]evidence.Topic, 0, len(d.RequiredEvidence)+len(d.OptionalEvidence))
	out = append(out, d.RequiredEvidence...)
	return append(out, d.OptionalEvidence...)
}

// clone returns a copy that shares no slices with d.
func (d Definition) clone() Definition {
	d.Keywords = slices.Clone(d.Keywords)
	d.IntentTags = slices.Clone(d.IntentTags)
	d.Symptoms = slices.Clone(d.Symptoms)
	d.RequiredEvidence = slices.Clone(d.RequiredEvidence)
	d.OptionalEvidence = slices.Clone(d.OptionalEvidence)
	d.AllowedPlaybooks = slices.Clone(d.AllowedPlaybooks)
	return d
}

// AllowsPlaybook reports whether id is in the allowed set.
func (d Definition) AllowsPlaybook(id string) bool {
	for _, p := range d.AllowedPlaybooks {
		if p == id {
			return true
		}
	}
	return false
}

// normalize lowercases and deduplicates the vocabulary sets so that scoring
// is independent of how the policy source was written.
func (d Definition) normalize() Definition {
	d.ID = strings.TrimSpace(d.ID)
	d.Keywords = normSet(d.Keywords)
	d.IntentTags = normSet(d.IntentTags)
	d.Symptoms = normSet(d.Symptoms)
	d.AllowedPlaybooks = normSet(d.AllowedPlaybooks)
	d.RequiredEvidence = topicSet(d.RequiredEvidence)
	d.OptionalEvidence = topicSet(d.OptionalEvidence)
	if d.CaseFileName == "" {
		d.CaseFileName = d.ID + ".json"
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	return d
}

func normSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func topicSet(in []evidence.Topic) []evidence.Topic {
	seen := make(map[evidence.Topic]struct{}, len(in))
	out := make([]evidence.Topic, 0, len(in))
	for _, t := range in {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// validate checks a normalized definition for semantic errors the schema
// cannot express.
func (d Definition) validate(knownPlaybook func(string) bool) error {
	if d.ID == "" {
		return fmt.Errorf("definition without id")
	}
	if !d.Domain.Valid() {
		return fmt.Errorf("%s: unknown domain %q", d.ID, d.Domain)
	}
	if len(d.Keywords)+len(d.IntentTags)+len(d.Symptoms) == 0 {
		return fmt.Errorf("%s: no keywords, intent tags or symptoms", d.ID)
	}
	if len(d.RequiredEvidence) == 0 {
		return fmt.Errorf("%s: required_evidence must not be empty", d.ID)
	}
	for _, t := range d.Topics() {
		if err := evidence.ValidateTopic(d.Domain, t); err != nil {
			return fmt.Errorf("%s: %w", d.ID, err)
		}
	}
	if strings.ContainsAny(d.CaseFileName, `/\`) || strings.HasPrefix(d.CaseFileName, ".") {
		return fmt.Errorf("%s: case_file_name %q must be a plain file name", d.ID, d.CaseFileName)
	}
	if knownPlaybook != nil {
		for _, p := range d.AllowedPlaybooks {
			if !knownPlaybook(p) {
				return fmt.Errorf("%s: unknown playbook %q", d.ID, p)
			}
		}
	}
	return nil
}
