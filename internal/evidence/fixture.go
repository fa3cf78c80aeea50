package evidence

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hostmedic/internal/types"
)

// StaticProbe returns a fixed item. It backs fixtures and tests.
type StaticProbe struct {
	Item  Item
	Err   error
	Delay time.Duration
}

// Topic implements Probe.
func (p StaticProbe) Topic() Topic { return p.Item.Topic }

// Collect implements Probe.
func (p StaticProbe) Collect(ctx context.Context) (Item, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
	if p.Err != nil {
		return Item{}, p.Err
	}
	return p.Item.clone(), nil
}

// Fixture is the on-disk form of recorded evidence, one document per domain.
type Fixture struct {
	Domain      types.Domain `yaml:"domain"`
	CollectedAt time.Time    `yaml:"collected_at,omitempty"`
	Items       []Item       `yaml:"items"`
}

// FixtureSet holds fixtures for several domains.
type FixtureSet struct {
	Domains []Fixture `yaml:"domains"`
}

// LoadFixtures reads a YAML fixture file. The file may hold a single domain
// document or a `domains:` list.
func LoadFixtures(path string) (*FixtureSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence fixture: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures parses fixture YAML.
func ParseFixtures(data []byte) (*FixtureSet, error) {
	var set FixtureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse evidence fixture: %w", err)
	}
	if len(set.Domains) == 0 {
		var single Fixture
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse evidence fixture: %w", err)
		}
		if single.Domain != "" {
			set.Domains = []Fixture{single}
		}
	}
	for _, f := range set.Domains {
		if !f.Domain.Valid() {
			return nil, fmt.Errorf("evidence fixture: unknown domain %q", f.Domain)
		}
		for _, it := range f.Items {
			if err := ValidateTopic(f.Domain, it.Topic); err != nil {
				return nil, fmt.Errorf("evidence fixture: %w", err)
			}
		}
	}
	return &set, nil
}

// Probes returns static probes for every item across all domains.
func (s *FixtureSet) Probes() []Probe {
	var out []Probe
	for _, f := range s.Domains {
		for _, it := range f.Items {
			if it.CollectedAt.IsZero() {
				it.CollectedAt = f.CollectedAt
			}
			out = append(out, StaticProbe{Item: it})
		}
	}
	return out
}
