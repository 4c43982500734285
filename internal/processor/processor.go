// Package processor buffers funnel events consumed from Kafka and writes
// them to the warehouse in batches.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/enricher"
	"github.com/gosight/gosight/waitlist/internal/warehouse"
)

// Sink stores batches of rows.
type Sink interface {
	InsertFunnelEvents(ctx context.Context, rows []warehouse.FunnelEventRow) error
}

// Counter updates live aggregates for one row.
type Counter interface {
	Update(ctx context.Context, row warehouse.FunnelEventRow) error
}

// EventProcessor buffers rows and flushes them on size or interval.
type EventProcessor struct {
	sink     Sink
	counter  Counter
	batchCfg config.BatchConfig

	mu     sync.Mutex
	buffer []warehouse.FunnelEventRow
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEventProcessor starts the flush ticker. counter may be nil.
func NewEventProcessor(sink Sink, counter Counter, batchCfg config.BatchConfig) *EventProcessor {
	if batchCfg.FlushInterval <= 0 {
		batchCfg.FlushInterval = 5 * time.Second
	}
	p := &EventProcessor{
		sink:     sink,
		counter:  counter,
		batchCfg: batchCfg,
		buffer:   make([]warehouse.FunnelEventRow, 0, batchCfg.Size),
		done:     make(chan struct{}),
	}

	// Start flush ticker
	p.ticker = time.NewTicker(batchCfg.FlushInterval)
	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// Process transforms one event and buffers it.
func (p *EventProcessor) Process(ctx context.Context, event *enricher.EnrichedEvent) error {
	row, err := TransformEvent(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, row)
	shouldFlush := len(p.buffer) >= p.batchCfg.Size
	p.mu.Unlock()

	if p.counter != nil {
		// Counter failures are logged by the counter and never block the
		// warehouse write.
		_ = p.counter.Update(ctx, row)
	}

	// Flush if buffer full
	if shouldFlush {
		p.Flush()
	}

	return nil
}

func (p *EventProcessor) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.Flush()
		}
	}
}

// Flush writes all buffered rows. A failed batch is logged and dropped;
// Kafka offsets were already committed.
func (p *EventProcessor) Flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	rows := p.buffer
	p.buffer = make([]warehouse.FunnelEventRow, 0, p.batchCfg.Size)
	p.mu.Unlock()

	start := time.Now()
	if err := p.sink.InsertFunnelEvents(context.Background(), rows); err != nil {
		log.Error().Err(err).Int("count", len(rows)).Msg("Failed to insert funnel events")
		return
	}
	log.Info().
		Int("count", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Flushed funnel events to ClickHouse")
}

// Stop stops the ticker and makes a final flush.
func (p *EventProcessor) Stop() {
	p.ticker.Stop()
	close(p.done)
	p.wg.Wait()
	p.Flush()
}
