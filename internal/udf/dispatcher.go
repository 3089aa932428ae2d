// Package udf dispatches packets to user-defined functions registered as bus
// endpoints. A UDF is any subscriber replying a boolean verdict; the
// dispatcher guarantees that UDF failure never loses telemetry.
package udf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
)

// Callback receives the UDF verdict. accepted=false means drop the packet.
// attrs holds the attribute entries the UDF added, nil when there are none.
type Callback func(accepted bool, attrs map[string]any)

// PostFunc schedules a continuation back onto the calling worker's loop so
// the callback runs single-threaded with the worker's other handlers.
type PostFunc func(func())

// Dispatcher tracks which UDF endpoints exist and executes calls against
// them. The endpoint snapshot refreshes every check-period; endpoints missing
// from the snapshot resolve synchronously as no-op success.
type Dispatcher struct {
	bus     *bus.Bus
	timeout time.Duration
	period  time.Duration
	clk     clock.Clock
	logger  log.Logger

	mu        sync.RWMutex
	endpoints map[string]struct{}

	stop chan struct{}
}

// NewDispatcher creates a dispatcher on b.
func NewDispatcher(cfg config.UDFConfig, b *bus.Bus, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		bus:       b,
		timeout:   cfg.ExecutionTimeout,
		period:    cfg.CheckPeriod,
		clk:       clk,
		logger:    log.GetLogger().WithField("component", "udf"),
		endpoints: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start takes the first endpoint snapshot and begins periodic refresh. The
// ticker is armed before Start returns, so a mock clock advanced right after
// Start still triggers the refresh.
func (d *Dispatcher) Start() {
	d.refresh()
	ticker := d.clk.Ticker(d.period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.refresh()
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop ends the refresh loop.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) refresh() {
	snapshot := make(map[string]struct{})
	for _, topic := range d.bus.Endpoints() {
		snapshot[topic] = struct{}{}
	}
	d.mu.Lock()
	d.endpoints = snapshot
	d.mu.Unlock()
}

// Has reports whether endpoint was present in the last snapshot.
func (d *Dispatcher) Has(endpoint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.endpoints[endpoint]
	return ok
}

// Execute runs the UDF at endpoint against payload. When the endpoint is not
// in the snapshot the callback fires synchronously with (true, nil). Otherwise
// the call runs asynchronously and the callback is delivered through post,
// back on the calling worker. The payload gains an "attributes" map the UDF
// may fill; only string and bool values survive.
func (d *Dispatcher) Execute(endpoint string, payload map[string]any, post PostFunc, cb Callback) {
	if !d.Has(endpoint) {
		cb(true, nil)
		return
	}

	attrs := make(map[string]any)
	payload["attributes"] = attrs

	go func() {
		reply, err := d.bus.Request(endpoint, payload, d.timeout)

		var result func()
		switch {
		case err != nil:
			d.logger.WithError(err).Errorf("udf %s failed, treating as no-op", endpoint)
			metrics.UDFFailures.WithLabelValues(endpoint, failureReason(err)).Inc()
			result = func() { cb(true, nil) }
		default:
			accepted, ok := reply.(bool)
			if !ok {
				err := fmt.Errorf("%w: %T from %s", core.ErrBadReply, reply, endpoint)
				d.logger.WithError(err).Error("udf verdict discarded, treating as no-op")
				metrics.UDFFailures.WithLabelValues(endpoint, failureReason(err)).Inc()
				result = func() { cb(true, nil) }
			} else if !accepted {
				result = func() { cb(false, nil) }
			} else {
				kept := d.sanitize(endpoint, attrs)
				result = func() { cb(true, kept) }
			}
		}
		post(result)
	}()
}

// sanitize keeps string and bool attribute values, warns about the rest.
func (d *Dispatcher) sanitize(endpoint string, attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	kept := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case string, bool:
			kept[k] = v
		default:
			d.logger.Warnf("udf %s attribute %s has unsupported type %T, dropped", endpoint, k, v)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, core.ErrNoSubscribers):
		return "no_subscriber"
	case errors.Is(err, core.ErrBadReply):
		return "bad_reply"
	default:
		return "bus"
	}
}
