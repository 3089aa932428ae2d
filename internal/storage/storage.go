// Package storage implements the persistence path: a Sender facade that
// workers publish documents through, and a BulkWriter that batches them into
// MongoDB bulk operations. Collections are suffixed with the source record's
// UTC date so documents land in day buckets.
package storage

import (
	"time"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/log"
)

// TopicBulkWriter is the bus topic the bulk writer drains.
const TopicBulkWriter = "mongo_bulk_writer"

// Write is one persistence request. A nil Filter inserts the document,
// a non-nil Filter replaces the matching document with upsert.
type Write struct {
	Collection string
	Document   interface{}
	Filter     interface{}
}

// Sender publishes persistence requests onto the bulk writer topic.
// Failures are logged and dropped, the next record carries fresh state.
type Sender struct {
	bus *bus.Bus
}

// NewSender creates a sender on b.
func NewSender(b *bus.Bus) *Sender {
	return &Sender{bus: b}
}

// Insert queues doc for insertion into collection.
func (s *Sender) Insert(collection string, doc interface{}) {
	s.deliver(&Write{Collection: collection, Document: doc})
}

// Upsert queues doc to replace the document matching filter in collection,
// inserting when absent.
func (s *Sender) Upsert(collection string, filter, doc interface{}) {
	s.deliver(&Write{Collection: collection, Document: doc, Filter: filter})
}

func (s *Sender) deliver(w *Write) {
	if err := s.bus.Send(TopicBulkWriter, w); err != nil {
		log.GetLogger().WithError(err).Errorf("dropping write for collection %s", w.Collection)
	}
}

// CollectionName forms "<prefix>_<suffix>" where the suffix renders ts in UTC
// through the configured layout. The suffix always follows the record's own
// timestamp, never the wall clock.
func CollectionName(prefix string, ts time.Time, layout string) string {
	return prefix + "_" + ts.UTC().Format(layout)
}
