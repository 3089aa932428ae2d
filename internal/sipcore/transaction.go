package sipcore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/storage"
	"firestige.xyz/strix/internal/udf"
)

// TransactionAggregator joins requests and responses into transactions for
// one (prefix, shard) pair. The transaction map lives on the Run goroutine.
type TransactionAggregator struct {
	cfg        config.SIPTransactionConfig
	prefix     string
	shard      int
	callFamily bool
	bus        *bus.Bus
	sender     *storage.Sender
	udf        *udf.Dispatcher
	clk        clock.Clock
	layout     string
	logger     log.Logger

	transactions map[transactionKey]*Transaction
	terminated   map[transactionKey]time.Time

	sub     *bus.Subscription
	tasks   chan func()
	stopped chan struct{}
}

// NewTransactionAggregator creates the worker for one shard of prefix.
func NewTransactionAggregator(cfg config.SIPTransactionConfig, prefix string, shard int, b *bus.Bus, sender *storage.Sender, d *udf.Dispatcher, clk clock.Clock, layout string) *TransactionAggregator {
	return &TransactionAggregator{
		cfg:          cfg,
		prefix:       prefix,
		shard:        shard,
		callFamily:   prefix == "sip_call",
		bus:          b,
		sender:       sender,
		udf:          d,
		clk:          clk,
		layout:       layout,
		logger:       log.GetLogger().WithFields(map[string]interface{}{"component": "sip_transaction_aggregator", "topic": fmt.Sprintf("%s_%d", prefix, shard)}),
		transactions: make(map[transactionKey]*Transaction),
		terminated:   make(map[transactionKey]time.Time),
		tasks:        make(chan func(), 64),
		stopped:      make(chan struct{}),
	}
}

// Subscribe attaches the worker to its shard topic.
func (a *TransactionAggregator) Subscribe() {
	a.sub = a.bus.Subscribe(fmt.Sprintf("%s_%d", a.prefix, a.shard))
}

// Run drains events, posted continuations and the expiry ticker until Stop.
func (a *TransactionAggregator) Run() {
	defer close(a.stopped)

	ticker := a.clk.Ticker(a.cfg.ExpirationDelay)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.sub.C():
			if ev, ok := msg.Payload.(*Event); ok {
				a.handle(ev)
			}
		case task := <-a.tasks:
			task()
		case <-ticker.C:
			a.expire(a.clk.Now())
		case <-a.sub.Done():
			return
		}
	}
}

// Stop detaches the mailbox and waits for Run to return.
func (a *TransactionAggregator) Stop() {
	a.sub.Unsubscribe()
	<-a.stopped
}

func (a *TransactionAggregator) post(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.stopped:
	}
}

func (a *TransactionAggregator) handle(ev *Event) {
	key, ok := keyOf(ev.Msg)
	if !ok {
		return
	}
	// Retransmissions of the final response arrive after the transaction is
	// already emitted. The tombstone keeps them from recreating the entry.
	if _, done := a.terminated[key]; done {
		return
	}

	tx, exists := a.transactions[key]
	if !exists {
		tx = &Transaction{
			CallID:     key.callID,
			SeqNo:      key.seqNo,
			Method:     key.method,
			Branch:     key.branch,
			CreatedAt:  ev.Packet.Timestamp,
			State:      StateTrying,
			Attributes: make(map[string]any),
		}
		a.transactions[key] = tx
	}
	tx.touchedAt = a.clk.Now()
	for k, v := range ev.Packet.Attributes {
		tx.Attributes[k] = v
	}

	switch m := ev.Msg.(type) {
	case *sip.Request:
		a.attachRequest(tx, m, ev.Packet)
	case *sip.Response:
		a.attachResponse(tx, key, m, ev.Packet)
	}
}

func (a *TransactionAggregator) attachRequest(tx *Transaction, req *sip.Request, pkt *core.Packet) {
	if tx.Request != nil {
		return // retransmission
	}
	tx.Request = req
	tx.SrcAddr = pkt.SrcAddr
	tx.DstAddr = pkt.DstAddr
	if from := req.From(); from != nil {
		tx.FromURI = from.Address.String()
		tx.FromTag, _ = from.Params.Get("tag")
	}
	if to := req.To(); to != nil {
		tx.ToURI = to.Address.String()
	}
}

func (a *TransactionAggregator) attachResponse(tx *Transaction, key transactionKey, resp *sip.Response, pkt *core.Packet) {
	// A final response wins over nothing or over a provisional one.
	if tx.Response != nil && tx.StatusCode >= 200 {
		return
	}
	status := int(resp.StatusCode)
	tx.Response = resp
	tx.StatusCode = status
	if tx.FromURI == "" {
		if from := resp.From(); from != nil {
			tx.FromURI = from.Address.String()
			tx.FromTag, _ = from.Params.Get("tag")
		}
	}
	if to := resp.To(); to != nil {
		tx.ToURI = to.Address.String()
		tx.ToTag, _ = to.Params.Get("tag")
	}

	if status < 200 {
		tx.State = StateProceeding
		if status >= 180 && status < 190 {
			tx.Ringing = true
		}
		return
	}

	tx.TerminatedAt = pkt.Timestamp
	tx.State = classify(status)
	delete(a.transactions, key)
	a.terminated[key] = a.clk.Now()
	a.finalize(tx)
}

// expire fails transactions that never saw a final response. Expired
// transactions emit in creation order, matching termination order here
// because they all terminate on this tick. Tombstones older than the
// termination timeout are dropped, retransmissions stop well before that.
func (a *TransactionAggregator) expire(now time.Time) {
	for key, at := range a.terminated {
		if now.Sub(at) >= a.cfg.TerminationTimeout {
			delete(a.terminated, key)
		}
	}

	var expired []*Transaction
	for key, tx := range a.transactions {
		if now.Sub(tx.touchedAt) < a.cfg.TerminationTimeout {
			continue
		}
		delete(a.transactions, key)
		a.terminated[key] = now
		tx.State = StateFailed
		tx.TerminatedAt = tx.CreatedAt.Add(a.cfg.TerminationTimeout)
		expired = append(expired, tx)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	for _, tx := range expired {
		a.finalize(tx)
	}
}

// finalize runs the per-method user function and emits the transaction on
// acceptance. The transaction is already off the map, expiry cannot touch it.
func (a *TransactionAggregator) finalize(tx *Transaction) {
	endpoint := fmt.Sprintf("sip_%s_transaction_udf", strings.ToLower(tx.Method))
	a.udf.Execute(endpoint, transactionPayload(tx), a.post, func(accepted bool, attrs map[string]any) {
		if !accepted {
			a.logger.Debugf("transaction %s %s dropped by user function", tx.CallID, tx.Method)
			return
		}
		for k, v := range attrs {
			tx.Attributes[k] = v
		}
		a.emit(tx)
	})
}

func (a *TransactionAggregator) emit(tx *Transaction) {
	method := strings.ToLower(tx.Method)

	prefix := fmt.Sprintf("sip_%s_index%d", method, a.shard)
	collection := storage.CollectionName(prefix, tx.CreatedAt, a.layout)
	a.sender.Insert(collection, transactionDocument(tx))

	if a.callFamily {
		if err := a.bus.Send(fmt.Sprintf("%s_%d", TopicCallTransactionPrefix, a.shard), tx); err != nil {
			a.logger.WithError(err).Warnf("forward of %s transaction failed", tx.Method)
		}
		return
	}
	// Downstream consumers of non-call transactions are optional.
	if err := a.bus.Publish("sip_"+method+"_transaction", tx); err != nil {
		a.logger.Debugf("no consumer for sip_%s_transaction", method)
	}
}

// keyOf derives the transaction key from the message's own headers, so
// requests and responses of one transaction meet on the same entry.
func keyOf(msg sip.Message) (transactionKey, bool) {
	callID := msg.CallID()
	cseq := msg.CSeq()
	if callID == nil || cseq == nil {
		return transactionKey{}, false
	}
	key := transactionKey{
		callID: callID.Value(),
		seqNo:  cseq.SeqNo,
		method: strings.ToUpper(string(cseq.MethodName)),
	}
	if via := msg.Via(); via != nil {
		key.branch, _ = via.Params.Get("branch")
	}
	return key, true
}

// transactionPayload is the flat map handed to the user function.
func transactionPayload(tx *Transaction) map[string]any {
	payload := map[string]any{
		"call_id":       tx.CallID,
		"cseq_num":      int64(tx.SeqNo),
		"cseq_method":   tx.Method,
		"branch":        tx.Branch,
		"state":         string(tx.State),
		"src_addr":      tx.SrcAddr.String(),
		"dst_addr":      tx.DstAddr.String(),
		"from_uri":      tx.FromURI,
		"to_uri":        tx.ToURI,
		"created_at":    tx.CreatedAt.UnixMilli(),
		"terminated_at": tx.TerminatedAt.UnixMilli(),
	}
	if tx.StatusCode > 0 {
		payload["status_code"] = tx.StatusCode
	}
	return payload
}

// transactionDocument renders the persisted transaction record.
func transactionDocument(tx *Transaction) map[string]any {
	doc := map[string]any{
		"call_id":       tx.CallID,
		"cseq_num":      int64(tx.SeqNo),
		"cseq_method":   tx.Method,
		"branch":        tx.Branch,
		"state":         string(tx.State),
		"src_addr":      tx.SrcAddr.String(),
		"dst_addr":      tx.DstAddr.String(),
		"from_uri":      tx.FromURI,
		"to_uri":        tx.ToURI,
		"created_at":    tx.CreatedAt.UnixMilli(),
		"terminated_at": tx.TerminatedAt.UnixMilli(),
	}
	if tx.SrcAddr.Host != "" {
		doc["src_host"] = tx.SrcAddr.Host
	}
	if tx.DstAddr.Host != "" {
		doc["dst_host"] = tx.DstAddr.Host
	}
	if tx.StatusCode > 0 {
		doc["status_code"] = tx.StatusCode
	}
	if len(tx.Attributes) > 0 {
		doc["attributes"] = tx.Attributes
	}
	return doc
}
