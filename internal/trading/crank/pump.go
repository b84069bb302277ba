package crank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

// FeedEvent is the payload published for each adapter event.
type FeedEvent struct {
	Market string           `json:"market"`
	Kind   string           `json:"kind"`
	Event  eventqueue.Event `json:"event"`
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishEvent(ctx context.Context, key string, data []byte, headers ...kafka.Header) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishEvent(ctx, key, data, headers...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureAdapter finds the crank's adapter, registering one on first use.
func (c *Crank) ensureAdapter(ctx context.Context) error {
	for _, a := range c.market.Adapters() {
		if a.Subscriber == c.id {
			c.adapter = a.ID
			return nil
		}
	}
	res, err := c.submit(ctx, &model.Instruction{
		Type:     model.TypeRegisterAdapter,
		Capacity: c.cfg.FeedCapacity,
	})
	if err != nil {
		return err
	}
	c.adapter = res.Adapter
	c.logger.Infow("Feed adapter registered", "adapter", c.adapter.String())
	return nil
}

// Pump moves one batch from the crank's adapter to the feed. Popped events
// leave the adapter before they are published, so a failed publish loses
// them from the feed; settlement history is unaffected. An empty adapter
// is not popped.
func (c *Crank) Pump(ctx context.Context) (int, error) {
	pending, ok := c.market.AdapterLen(c.adapter)
	if !ok {
		if err := c.ensureAdapter(ctx); err != nil {
			return 0, err
		}
		pending, _ = c.market.AdapterLen(c.adapter)
	}
	// an idle feed journals nothing
	if pending == 0 {
		return 0, nil
	}
	res, err := c.submit(ctx, &model.Instruction{
		Type:    model.TypePopAdapter,
		Adapter: c.adapter,
		Max:     c.cfg.FeedBatch,
	})
	if err != nil {
		return 0, err
	}
	if len(res.Events) == 0 {
		return 0, nil
	}

	key := c.market.ID().String()
	for _, e := range res.Events {
		data, err := json.Marshal(FeedEvent{Market: key, Kind: e.Kind.String(), Event: e})
		if err != nil {
			return 0, fmt.Errorf("marshal feed event: %w", err)
		}
		if err := c.feed.PublishEvent(ctx, key, data, kafka.Header{Key: "kind", Value: []byte(e.Kind.String())}); err != nil {
			metrics.CrankRuns.WithLabelValues(key, "pump", "error").Inc()
			return 0, err
		}
	}
	if c.history != nil {
		if err := c.history.RecordEvents(ctx, c.market.ID(), res.Events); err != nil {
			c.logger.Warnw("Failed to record feed events", "error", err)
		}
	}
	metrics.CrankRuns.WithLabelValues(key, "pump", "ok").Inc()
	return len(res.Events), nil
}
