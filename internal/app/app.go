// Package app wires the components into a running process: bus, sinks,
// aggregator workers, management socket and the optional replay source.
package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/ingest"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/management"
	"firestige.xyz/strix/internal/media"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/sipcore"
	"firestige.xyz/strix/internal/storage"
	"firestige.xyz/strix/internal/udf"
)

// worker is the common shape of the single-goroutine pipeline workers.
// Subscribe attaches mailboxes before any producer starts, Run drains them,
// Stop detaches and waits for Run to return.
type worker interface {
	Subscribe()
	Run()
	Stop()
}

// App owns every component and their start/stop order.
type App struct {
	cfg *config.GlobalConfig

	bus           *bus.Bus
	sink          *metrics.Sink
	metricsServer *metrics.Server
	writer        *storage.BulkWriter
	dispatcher    *udf.Dispatcher
	mgmt          *management.Server
	workers       []worker
	replay        *ingest.Replay

	wg     conc.WaitGroup
	logger log.Logger
}

// New builds the component graph from configuration. Nothing starts yet.
func New(cfg *config.GlobalConfig) *App {
	clk := clock.New()
	layout := cfg.TimeLayout()

	b := bus.New(cfg.Bus.QueueSize)
	sink := metrics.NewSink(prometheus.DefaultRegisterer)
	sender := storage.NewSender(b)
	dispatcher := udf.NewDispatcher(cfg.UDF, b, clk)
	codecs := media.NewCodecTable(cfg.Codecs)
	registry := management.NewRegistry(cfg.Management, sender)

	a := &App{
		cfg:        cfg,
		bus:        b,
		sink:       sink,
		writer:     storage.NewBulkWriter(cfg.Mongo, b, clk),
		dispatcher: dispatcher,
		mgmt:       management.NewServer(cfg.Management, b, registry),
		logger:     log.GetLogger().WithField("component", "app"),
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	if cfg.Ingest.Pcap.Path != "" {
		a.replay = ingest.NewReplay(cfg.Ingest.Pcap.Path, b)
	}

	// Aggregation layer first, ingress-facing handlers last, so every
	// forwarding target has its mailbox before traffic can arrive.
	for shard := 0; shard < cfg.Instances; shard++ {
		a.workers = append(a.workers, sipcore.NewCallAggregator(cfg.SIP.Transaction, shard, b, sender, dispatcher, clk, layout))
	}
	for _, method := range []string{"INVITE", "REGISTER", "NOTIFY", "MESSAGE", "OPTIONS", "SUBSCRIBE"} {
		prefix := sipcore.RoutingPrefix(method)
		for shard := 0; shard < sipcore.ShardCount(prefix, cfg.Instances); shard++ {
			a.workers = append(a.workers, sipcore.NewTransactionAggregator(cfg.SIP.Transaction, prefix, shard, b, sender, dispatcher, clk, layout))
		}
	}
	a.workers = append(a.workers, media.NewAggregator(cfg.Media.RTPR, b, sender, sink, clk, cfg.Instances, layout))
	a.workers = append(a.workers, sipcore.NewSdpHandler(b, codecs))
	for i := 0; i < cfg.Instances; i++ {
		a.workers = append(a.workers, sipcore.NewMessageHandler(cfg.SIP.Message, b, sender, sink, dispatcher, cfg.Instances, layout))
	}

	return a
}

// Start brings the process up. A failing component start is fatal.
func (a *App) Start(ctx context.Context) error {
	if a.metricsServer != nil {
		if err := a.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("metrics server start failed: %w", err)
		}
	}
	if err := a.writer.Start(ctx); err != nil {
		return fmt.Errorf("bulk writer start failed: %w", err)
	}

	for _, w := range a.workers {
		w.Subscribe()
	}
	for _, w := range a.workers {
		w := w
		a.wg.Go(w.Run)
	}

	a.dispatcher.Start()

	if err := a.mgmt.Start(); err != nil {
		return fmt.Errorf("management socket start failed: %w", err)
	}

	if a.replay != nil {
		a.wg.Go(func() {
			if err := a.replay.Run(); err != nil {
				a.logger.WithError(err).Error("pcap replay failed")
			}
		})
	}

	a.logger.Infof("strix started, instances=%d", a.cfg.Instances)
	return nil
}

// Stop tears the process down in reverse order: ingress first, sinks last,
// so in-flight state drains into the bulk writer before it disconnects.
func (a *App) Stop(ctx context.Context) error {
	a.mgmt.Stop()
	a.dispatcher.Stop()

	for i := len(a.workers) - 1; i >= 0; i-- {
		a.workers[i].Stop()
	}
	a.wg.Wait()

	if err := a.writer.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("bulk writer stop failed")
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("metrics server stop failed")
		}
	}
	a.bus.Close()

	a.logger.Info("strix stopped")
	return nil
}
