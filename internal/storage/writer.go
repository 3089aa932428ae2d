package storage

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
)

// executor runs one unordered bulk write against a collection. The mongo
// client satisfies it in production, tests substitute a recorder.
type executor interface {
	BulkWrite(ctx context.Context, collection string, models []mongo.WriteModel) error
	Close(ctx context.Context) error
}

type mongoExecutor struct {
	client *mongo.Client
	db     string
}

func (m *mongoExecutor) BulkWrite(ctx context.Context, collection string, models []mongo.WriteModel) error {
	opts := options.BulkWrite().SetOrdered(false)
	_, err := m.client.Database(m.db).Collection(collection).BulkWrite(ctx, models, opts)
	return err
}

func (m *mongoExecutor) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// BulkWriter drains the bulk writer topic, groups models per collection and
// flushes when the batch fills or the flush interval elapses. Writes are
// unordered, failures are logged and never retried.
type BulkWriter struct {
	cfg  config.MongoConfig
	bus  *bus.Bus
	clk  clock.Clock
	exec executor

	sub     *bus.Subscription
	pending map[string][]mongo.WriteModel
	queued  int
	stopped chan struct{}
	logger  log.Logger
}

// NewBulkWriter creates the writer. Start connects and begins draining.
func NewBulkWriter(cfg config.MongoConfig, b *bus.Bus, clk clock.Clock) *BulkWriter {
	return &BulkWriter{
		cfg:     cfg,
		bus:     b,
		clk:     clk,
		pending: make(map[string][]mongo.WriteModel),
		stopped: make(chan struct{}),
		logger:  log.GetLogger().WithField("component", "bulk_writer"),
	}
}

// Start connects to MongoDB and starts the drain loop.
func (w *BulkWriter) Start(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(w.cfg.URI))
	if err != nil {
		return fmt.Errorf("mongo connect failed for %s: %w", w.cfg.URI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping failed for %s: %w", w.cfg.URI, err)
	}
	w.exec = &mongoExecutor{client: client, db: w.cfg.DB}
	w.sub = w.bus.Subscribe(TopicBulkWriter)
	go w.run()
	w.logger.Infof("bulk writer started, db=%s batch=%d interval=%v", w.cfg.DB, w.cfg.BatchSize, w.cfg.FlushInterval)
	return nil
}

func (w *BulkWriter) run() {
	defer close(w.stopped)

	ticker := w.clk.Ticker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.sub.C():
			write, ok := msg.Payload.(*Write)
			if !ok {
				w.logger.Warnf("unexpected payload on %s: %T", TopicBulkWriter, msg.Payload)
				continue
			}
			w.enqueue(write)
			if w.queued >= w.cfg.BatchSize {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		case <-w.sub.Done():
			w.flush()
			return
		}
	}
}

func (w *BulkWriter) enqueue(write *Write) {
	var model mongo.WriteModel
	if write.Filter == nil {
		model = mongo.NewInsertOneModel().SetDocument(write.Document)
	} else {
		model = mongo.NewReplaceOneModel().
			SetFilter(write.Filter).
			SetReplacement(write.Document).
			SetUpsert(true)
	}
	w.pending[write.Collection] = append(w.pending[write.Collection], model)
	w.queued++
}

// flush writes every pending batch. Runs on the drain goroutine only.
func (w *BulkWriter) flush() {
	if w.queued == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushInterval*4)
	defer cancel()

	for collection, models := range w.pending {
		start := w.clk.Now()
		err := w.exec.BulkWrite(ctx, collection, models)
		metrics.MongoFlushDuration.WithLabelValues(collection).Observe(w.clk.Since(start).Seconds())
		if err != nil {
			metrics.MongoWriteErrors.WithLabelValues(collection).Inc()
			w.logger.WithError(err).Errorf("bulk write failed, collection=%s models=%d", collection, len(models))
		}
	}
	w.pending = make(map[string][]mongo.WriteModel)
	w.queued = 0
}

// Stop flushes pending writes and disconnects.
func (w *BulkWriter) Stop(ctx context.Context) error {
	if w.sub == nil {
		return nil
	}
	w.sub.Unsubscribe()
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.exec != nil {
		if err := w.exec.Close(ctx); err != nil {
			return fmt.Errorf("mongo disconnect failed: %w", err)
		}
	}
	w.logger.Info("bulk writer stopped")
	return nil
}
