package sipcore

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/media"
	"firestige.xyz/strix/internal/storage"
	"firestige.xyz/strix/internal/udf"
)

const (
	// TopicCallTransactionPrefix carries terminated call-family transactions
	// from the transaction aggregator to the call aggregator, shard to shard.
	TopicCallTransactionPrefix = "sip_call_transaction"

	// EndpointCallUDF gates emission of terminated calls.
	EndpointCallUDF = "sip_call_udf"
)

// CallAggregator joins terminated transactions into dialogs for one shard.
// It also consumes terminated media sessions for its shard and attaches
// their quality aggregate to the live call.
type CallAggregator struct {
	cfg    config.SIPTransactionConfig
	shard  int
	bus    *bus.Bus
	sender *storage.Sender
	udf    *udf.Dispatcher
	clk    clock.Clock
	layout string
	logger log.Logger

	calls map[string]*Call

	txSub    *bus.Subscription
	mediaSub *bus.Subscription
	tasks    chan func()
	stopped  chan struct{}
}

// NewCallAggregator creates the worker for one shard.
func NewCallAggregator(cfg config.SIPTransactionConfig, shard int, b *bus.Bus, sender *storage.Sender, d *udf.Dispatcher, clk clock.Clock, layout string) *CallAggregator {
	return &CallAggregator{
		cfg:     cfg,
		shard:   shard,
		bus:     b,
		sender:  sender,
		udf:     d,
		clk:     clk,
		layout:  layout,
		logger:  log.GetLogger().WithFields(map[string]interface{}{"component": "sip_call_aggregator", "shard": shard}),
		calls:   make(map[string]*Call),
		tasks:   make(chan func(), 64),
		stopped: make(chan struct{}),
	}
}

// Subscribe attaches the worker to its transaction and media shard topics.
func (a *CallAggregator) Subscribe() {
	a.txSub = a.bus.Subscribe(fmt.Sprintf("%s_%d", TopicCallTransactionPrefix, a.shard))
	a.mediaSub = a.bus.Subscribe(fmt.Sprintf("%s_%d", media.TopicMediaPrefix, a.shard))
}

// Run drains both mailboxes, posted continuations and the expiry ticker.
func (a *CallAggregator) Run() {
	defer close(a.stopped)

	ticker := a.clk.Ticker(a.cfg.ExpirationDelay)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.txSub.C():
			if tx, ok := msg.Payload.(*Transaction); ok {
				a.handleTransaction(tx)
			}
		case msg := <-a.mediaSub.C():
			if session, ok := msg.Payload.(*media.RtprSession); ok {
				a.handleMedia(session)
			}
		case task := <-a.tasks:
			task()
		case <-ticker.C:
			a.expire(a.clk.Now())
		case <-a.txSub.Done():
			return
		}
	}
}

// Stop detaches the mailboxes and waits for Run to return.
func (a *CallAggregator) Stop() {
	a.txSub.Unsubscribe()
	a.mediaSub.Unsubscribe()
	<-a.stopped
}

func (a *CallAggregator) post(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.stopped:
	}
}

func (a *CallAggregator) handleTransaction(tx *Transaction) {
	call, ok := a.calls[tx.CallID]
	if !ok {
		call = &Call{
			CallID:     tx.CallID,
			Legs:       make(map[leg]struct{}),
			State:      CallTrying,
			CreatedAt:  tx.CreatedAt,
			Attributes: make(map[string]any),
		}
		a.calls[tx.CallID] = call
	}
	call.touchedAt = a.clk.Now()
	call.Transactions = append(call.Transactions, tx)
	if tx.FromTag != "" || tx.ToTag != "" {
		call.Legs[leg{FromTag: tx.FromTag, ToTag: tx.ToTag}] = struct{}{}
	}
	for k, v := range tx.Attributes {
		call.Attributes[k] = v
	}

	switch tx.Method {
	case "INVITE":
		if tx.Ringing && call.State == CallTrying {
			call.State = CallRinging
		}
		switch {
		case tx.State == StateSucceed:
			call.State = CallAnswered
			call.AnsweredAt = tx.TerminatedAt
		case tx.StatusCode >= 300:
			call.State = CallFailed
			call.TerminatedAt = tx.TerminatedAt
			a.terminate(call)
		}
	case "BYE":
		call.State = CallEnded
		call.TerminatedAt = tx.TerminatedAt
		a.terminate(call)
	}
}

func (a *CallAggregator) handleMedia(session *media.RtprSession) {
	call, ok := a.calls[session.Report.CallID]
	if !ok {
		a.logger.Debugf("media session for unknown call %s, dropped", session.Report.CallID)
		return
	}
	call.Media = append(call.Media, session)
	call.touchedAt = a.clk.Now()
}

// expire fails calls with no activity inside the termination timeout. Calls
// that already terminated keep their state, the rest are emitted as failed.
func (a *CallAggregator) expire(now time.Time) {
	var expired []*Call
	for id, call := range a.calls {
		if now.Sub(call.touchedAt) < a.cfg.TerminationTimeout {
			continue
		}
		delete(a.calls, id)
		if call.TerminatedAt.IsZero() {
			call.State = CallFailed
			call.TerminatedAt = call.CreatedAt.Add(a.cfg.TerminationTimeout)
		}
		expired = append(expired, call)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	for _, call := range expired {
		a.finalize(call)
	}
}

func (a *CallAggregator) terminate(call *Call) {
	delete(a.calls, call.CallID)
	a.finalize(call)
}

func (a *CallAggregator) finalize(call *Call) {
	a.udf.Execute(EndpointCallUDF, callPayload(call), a.post, func(accepted bool, attrs map[string]any) {
		if !accepted {
			a.logger.Debugf("call %s dropped by user function", call.CallID)
			return
		}
		for k, v := range attrs {
			call.Attributes[k] = v
		}
		a.emit(call)
	})
}

func (a *CallAggregator) emit(call *Call) {
	prefix := fmt.Sprintf("sip_call_index%d", a.shard)
	collection := storage.CollectionName(prefix, call.CreatedAt, a.layout)
	a.sender.Insert(collection, callDocument(call))
}

// callPayload is the flat map handed to the user function.
func callPayload(call *Call) map[string]any {
	payload := map[string]any{
		"call_id":       call.CallID,
		"state":         string(call.State),
		"transactions":  len(call.Transactions),
		"created_at":    call.CreatedAt.UnixMilli(),
		"terminated_at": call.TerminatedAt.UnixMilli(),
	}
	if !call.AnsweredAt.IsZero() {
		payload["answered_at"] = call.AnsweredAt.UnixMilli()
	}
	return payload
}

// callDocument renders the persisted call record including its transaction
// trail and any correlated media quality.
func callDocument(call *Call) map[string]any {
	transactions := make([]map[string]any, 0, len(call.Transactions))
	for _, tx := range call.Transactions {
		transactions = append(transactions, transactionDocument(tx))
	}

	doc := map[string]any{
		"call_id":       call.CallID,
		"state":         string(call.State),
		"created_at":    call.CreatedAt.UnixMilli(),
		"terminated_at": call.TerminatedAt.UnixMilli(),
		"transactions":  transactions,
	}
	if !call.AnsweredAt.IsZero() {
		doc["answered_at"] = call.AnsweredAt.UnixMilli()
	}
	if len(call.Legs) > 0 {
		legs := make([]map[string]string, 0, len(call.Legs))
		for l := range call.Legs {
			legs = append(legs, map[string]string{"from_tag": l.FromTag, "to_tag": l.ToTag})
		}
		doc["legs"] = legs
	}
	if len(call.Media) > 0 {
		sessions := make([]map[string]any, 0, len(call.Media))
		for _, s := range call.Media {
			sessions = append(sessions, map[string]any{
				"source":        s.Report.Source.String(),
				"ssrc":          int64(s.Report.SSRC),
				"src_addr":      s.SrcAddr.String(),
				"dst_addr":      s.DstAddr.String(),
				"codec_name":    s.Report.CodecName,
				"fraction_lost": s.Report.FractionLost,
				"avg_jitter":    s.Report.AvgJitter,
				"r_factor":      s.Report.RFactor,
				"mos":           s.Report.MOS,
				"duration":      s.Report.Duration,
			})
		}
		doc["media"] = sessions
	}
	if len(call.Attributes) > 0 {
		doc["attributes"] = call.Attributes
	}
	return doc
}
