package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradekite/dealcore/internal/metrics"
	"github.com/tradekite/dealcore/internal/retry"
)

// Publisher fans events out to all registered sinks. Publication is
// fire-and-forget relative to the state mutation the event describes:
// delivery failures are logged and counted but never surface to callers.
type Publisher struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewPublisher creates a publisher with no sinks. Sinks are attached
// at wiring time via AddSink.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// AddSink registers a delivery target.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Publish delivers each record to every sink asynchronously. The records
// have already been committed to the outbox, so duplicates on retry are
// acceptable and expected by consumers.
func (p *Publisher) Publish(records ...*Record) {
	p.mu.RLock()
	sinks := make([]Sink, len(p.sinks))
	copy(sinks, p.sinks)
	p.mu.RUnlock()

	for _, rec := range records {
		metrics.EventsPublishedTotal.WithLabelValues(string(rec.Type)).Inc()
		for _, s := range sinks {
			p.wg.Add(1)
			go p.deliver(s, rec)
		}
	}
}

func (p *Publisher) deliver(s Sink, rec *Record) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return s.Deliver(ctx, rec)
	})
	if err != nil {
		metrics.EventDeliveryErrorsTotal.WithLabelValues(string(rec.Type)).Inc()
		p.logger.Warn("event delivery failed",
			"event_id", rec.ID,
			"type", rec.Type,
			"negotiation_id", rec.NegotiationID,
			"error", err)
	}
}

// Wait blocks until in-flight deliveries finish. Used in tests and
// during graceful shutdown.
func (p *Publisher) Wait() {
	p.wg.Wait()
}
