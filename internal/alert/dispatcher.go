package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// deliveryTimeout bounds one delivery including retries.
	deliveryTimeout = 30 * time.Second
	// maxInFlight bounds concurrent deliveries across all webhooks.
	maxInFlight = 32
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	sender  *Sender
	slots   *semaphore.Weighted
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig, logger *slog.Logger) *Dispatcher {
	return newDispatcher(configs, logger, maxInFlight)
}

func newDispatcher(configs []AlertConfig, logger *slog.Logger, limit int64) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		configs: configs,
		sender:  defaultSender,
		slots:   semaphore.NewWeighted(limit),
		logger:  logger,
	}
}

// Dispatch sends the event to all webhooks whose Events list matches
// event.Type. Delivery runs in goroutines and never blocks the caller; when
// maxInFlight deliveries are pending the event is dropped for that webhook.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		if !d.slots.TryAcquire(1) {
			d.logger.Warn("alert dropped, too many deliveries in flight", "type", event.Type, "url", cfg.URL)
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			defer d.slots.Release(1)
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := d.sender.Send(ctx, cfg, event); err != nil {
				d.logger.Warn("alert delivery failed", "type", event.Type, "url", cfg.URL, "err", err)
			}
		}(cfg)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Type {
			return true
		}
	}
	return false
}
