package config

import "fmt"

// ReliabilityConfig holds the minimum reliability scores (0-100) required
// before an answer is delivered or a mutation executes.
type ReliabilityConfig struct {
	ReadOnly       int `yaml:"read_only"`
	Recommendation int `yaml:"recommendation"`
	Mutation       int `yaml:"mutation"`
	// MutationByDomain raises the mutation threshold for specific domains.
	MutationByDomain map[string]int `yaml:"mutation_by_domain"`
}

// DefaultReliabilityConfig returns the default thresholds.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		ReadOnly:       70,
		Recommendation: 80,
		Mutation:       90,
		MutationByDomain: map[string]int{
			"storage": 95,
			"boot":    95,
		},
	}
}

// MutationThreshold returns the mutation threshold for a domain.
func (r ReliabilityConfig) MutationThreshold(domain string) int {
	if v, ok := r.MutationByDomain[domain]; ok && v > r.Mutation {
		return v
	}
	return r.Mutation
}

// Validate checks threshold ranges and ordering.
func (r ReliabilityConfig) Validate() error {
	for name, v := range map[string]int{
		"read_only":      r.ReadOnly,
		"recommendation": r.Recommendation,
		"mutation":       r.Mutation,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("reliability.%s must be within 0-100, got %d", name, v)
		}
	}
	if r.Mutation < r.Recommendation {
		return fmt.Errorf("reliability.mutation (%d) must not be below reliability.recommendation (%d)", r.Mutation, r.Recommendation)
	}
	for domain, v := range r.MutationByDomain {
		if v < 0 || v > 100 {
			return fmt.Errorf("reliability.mutation_by_domain[%s] must be within 0-100, got %d", domain, v)
		}
	}
	return nil
}
