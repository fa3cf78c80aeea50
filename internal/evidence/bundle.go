package evidence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"hostmedic/internal/types"
)

// Item is one recorded fact set. Items are immutable once placed in a Bundle;
// accessors hand out copies.
type Item struct {
	Topic        Topic             `json:"topic" yaml:"topic"`
	SummaryHuman string            `json:"summary_human" yaml:"summary"`
	SummaryDebug string            `json:"summary_debug,omitempty" yaml:"debug,omitempty"`
	RawRefs      []string          `json:"raw_refs,omitempty" yaml:"raw_refs,omitempty"`
	CollectedAt  time.Time         `json:"collected_at" yaml:"collected_at,omitempty"`
	Facts        map[string]string `json:"facts,omitempty" yaml:"facts,omitempty"`

	// Skipped marks a topic whose probe timed out, failed or does not exist.
	Skipped    bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
}

func (it Item) clone() Item {
	out := it
	if it.RawRefs != nil {
		out.RawRefs = append([]string(nil), it.RawRefs...)
	}
	if it.Facts != nil {
		out.Facts = make(map[string]string, len(it.Facts))
		for k, v := range it.Facts {
			out.Facts[k] = v
		}
	}
	return out
}

// Fact returns the raw string fact.
func (it Item) Fact(key string) (string, bool) {
	v, ok := it.Facts[key]
	return v, ok
}

// Bool parses a boolean fact.
func (it Item) Bool(key string) (bool, bool) {
	v, ok := it.Facts[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// Int parses an integer fact.
func (it Item) Int(key string) (int, bool) {
	v, ok := it.Facts[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bundle is a read-only snapshot of evidence for one domain.
type Bundle struct {
	domain      types.Domain
	collectedAt time.Time
	items       map[Topic]Item
}

// NewBundle builds a bundle from items. Later items for the same topic win.
func NewBundle(domain types.Domain, collectedAt time.Time, items ...Item) *Bundle {
	b := &Bundle{
		domain:      domain,
		collectedAt: collectedAt,
		items:       make(map[Topic]Item, len(items)),
	}
	for _, it := range items {
		if it.CollectedAt.IsZero() {
			it.CollectedAt = collectedAt
		}
		b.items[it.Topic] = it.clone()
	}
	return b
}

// Domain returns the bundle's domain.
func (b *Bundle) Domain() types.Domain { return b.domain }

// CollectedAt returns when collection finished.
func (b *Bundle) CollectedAt() time.Time { return b.collectedAt }

// Get returns a copy of the item for topic, including skipped items.
func (b *Bundle) Get(topic Topic) (Item, bool) {
	if b == nil {
		return Item{}, false
	}
	it, ok := b.items[topic]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// Has reports whether topic is present and not skipped.
func (b *Bundle) Has(topic Topic) bool {
	if b == nil {
		return false
	}
	it, ok := b.items[topic]
	return ok && !it.Skipped
}

// Missing returns the topics absent or skipped, in input order.
func (b *Bundle) Missing(topics []Topic) []Topic {
	var out []Topic
	for _, t := range topics {
		if !b.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Topics returns every topic held, including skipped ones, sorted.
func (b *Bundle) Topics() []Topic {
	if b == nil {
		return nil
	}
	out := make([]Topic, 0, len(b.items))
	for t := range b.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Items returns copies of all items sorted by topic.
func (b *Bundle) Items() []Item {
	topics := b.Topics()
	out := make([]Item, 0, len(topics))
	for _, t := range topics {
		out = append(out, b.items[t].clone())
	}
	return out
}

// Ref returns the evidence reference for topic in this bundle's domain.
func (b *Bundle) Ref(topic Topic) string {
	return Ref(b.domain, topic)
}

// HasRef reports whether ref points at a present, non-skipped item.
func (b *Bundle) HasRef(ref string) bool {
	if b == nil {
		return false
	}
	prefix := string(b.domain) + "/"
	if !strings.HasPrefix(ref, prefix) {
		return false
	}
	return b.Has(Topic(strings.TrimPrefix(ref, prefix)))
}

// Restrict returns a bundle exposing only the given topics.
func (b *Bundle) Restrict(topics ...Topic) *Bundle {
	out := &Bundle{domain: b.domain, collectedAt: b.collectedAt, items: make(map[Topic]Item, len(topics))}
	for _, t := range topics {
		if it, ok := b.items[t]; ok {
			out.items[t] = it
		}
	}
	return out
}

// Refs returns references for the present, non-skipped topics, sorted.
func (b *Bundle) Refs() []string {
	var out []string
	for _, t := range b.Topics() {
		if b.Has(t) {
			out = append(out, b.Ref(t))
		}
	}
	return out
}
