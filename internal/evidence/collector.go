package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hostmedic/internal/logging"
	"hostmedic/internal/types"
)

// Probe gathers the facts for one topic. Implementations must honor ctx.
type Probe interface {
	Topic() Topic
	Collect(ctx context.Context) (Item, error)
}

// Collector runs probes for a domain in parallel.
type Collector struct {
	probes  map[Topic]Probe
	timeout time.Duration
	retries int
	now     func() time.Time
}

// NewCollector creates a collector. timeout bounds each probe attempt and
// retries bounds how often a timed-out probe is attempted again.
func NewCollector(timeout time.Duration, retries int, probes ...Probe) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	c := &Collector{
		probes:  make(map[Topic]Probe, len(probes)),
		timeout: timeout,
		retries: retries,
		now:     time.Now,
	}
	for _, p := range probes {
		c.probes[p.Topic()] = p
	}
	return c
}

// Collect gathers the given topics for a domain. It never fails: topics whose
// probe is absent, errors or times out appear as Skipped items.
func (c *Collector) Collect(ctx context.Context, domain types.Domain, topics []Topic) *Bundle {
	started := c.now()
	var (
		mu    sync.Mutex
		items = make([]Item, 0, len(topics))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		probe, ok := c.probes[topic]
		if !ok {
			items = append(items, skipped(topic, "no probe available for this topic", started))
			continue
		}
		g.Go(func() error {
			it := c.collectOne(gctx, topic, probe)
			mu.Lock()
			items = append(items, it)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b := NewBundle(domain, c.now(), items...)
	logging.Evidence("Collected %d topics for %s in %s (%d skipped)",
		len(topics), domain, c.now().Sub(started), len(b.Missing(topics)))
	return b
}

func (c *Collector) collectOne(ctx context.Context, topic Topic, probe Probe) Item {
	attempts := 1 + c.retries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		it, err := c.attempt(ctx, probe)
		if err == nil {
			it.Topic = topic
			if it.CollectedAt.IsZero() {
				it.CollectedAt = c.now()
			}
			return it
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			break
		}
		logging.EvidenceDebug("Probe %s timed out (attempt %d/%d)", topic, attempt, attempts)
	}

	reason := fmt.Sprintf("probe failed: %v", lastErr)
	if errors.Is(lastErr, context.DeadlineExceeded) {
		reason = fmt.Sprintf("probe timed out after %s", c.timeout)
	}
	logging.Get(logging.CategoryEvidence).Warn("Topic %s skipped: %s", topic, reason)
	return skipped(topic, reason, c.now())
}

func (c *Collector) attempt(ctx context.Context, probe Probe) (Item, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		item Item
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		it, err := probe.Collect(actx)
		done <- outcome{it, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && actx.Err() != nil {
			return Item{}, actx.Err()
		}
		return o.item, o.err
	case <-actx.Done():
		return Item{}, actx.Err()
	}
}

func skipped(topic Topic, reason string, at time.Time) Item {
	return Item{
		Topic:        topic,
		SummaryHuman: "not collected",
		Skipped:      true,
		SkipReason:   reason,
		CollectedAt:  at,
	}
}
