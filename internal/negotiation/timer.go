package negotiation

import (
	"context"
	"log/slog"
	"time"
)

const (
	expirySweepLimit = 200
	escrowSweepLimit = 100
)

// timeNow is swappable in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Timer periodically expires overdue negotiations and re-drives escrow
// account creation for accepted negotiations still missing one.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new negotiation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if n := t.service.ExpireNegotiations(ctx, timeNow(), expirySweepLimit); n > 0 {
				t.logger.Info("expired negotiations", "count", n)
			}
			t.service.EnsureEscrowAccounts(ctx, escrowSweepLimit)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
