package sipcore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/storage"
	"firestige.xyz/strix/internal/udf"
)

// Bus topics on the signaling path.
const (
	TopicSIP = "sip" // ingress, fed by capture agents or replay
	TopicSDP = "sdp" // SDP-bearing events for the SDP handler

	// EndpointMessageUDF is the user function gating raw persistence and
	// forwarding of individual messages.
	EndpointMessageUDF = "sip_message_udf"
)

// knownMethods is the accepted CSeq method set. Anything else is dropped
// before it reaches an aggregator.
var knownMethods = map[string]struct{}{
	"INVITE": {}, "ACK": {}, "BYE": {}, "CANCEL": {},
	"REGISTER": {}, "NOTIFY": {}, "MESSAGE": {}, "OPTIONS": {},
	"SUBSCRIBE": {}, "INFO": {}, "UPDATE": {}, "REFER": {},
	"PRACK": {}, "PUBLISH": {},
}

// registerFamily methods get their own routing prefix and aggregator;
// everything else is part of a call and routes to sip_call.
var registerFamily = map[string]struct{}{
	"REGISTER": {}, "NOTIFY": {}, "MESSAGE": {}, "OPTIONS": {}, "SUBSCRIBE": {},
}

// RoutingPrefix returns the forwarding prefix for a CSeq method.
func RoutingPrefix(method string) string {
	if _, ok := registerFamily[method]; ok {
		return "sip_" + strings.ToLower(method)
	}
	return "sip_call"
}

// ShardCount returns how many aggregator shards a prefix runs. Registrations
// for one address-of-record must land on one shard (RFC 3261 §10.2), calls
// shard by Call-ID; the low-volume register-family prefixes run one shard.
func ShardCount(prefix string, instances int) int {
	switch prefix {
	case "sip_call", "sip_register":
		return instances
	default:
		return 1
	}
}

// MessageHandler parses, validates and routes SIP packets. Several handler
// instances subscribe to the sip topic and share the load round-robin.
type MessageHandler struct {
	cfg        config.SIPMessageConfig
	bus        *bus.Bus
	sender     *storage.Sender
	sink       *metrics.Sink
	udf        *udf.Dispatcher
	parser     *sip.Parser
	instances  int
	layout     string
	exclusions map[string]struct{}
	logger     log.Logger

	sub     *bus.Subscription
	tasks   chan func()
	stopped chan struct{}
}

// NewMessageHandler creates one handler worker.
func NewMessageHandler(cfg config.SIPMessageConfig, b *bus.Bus, sender *storage.Sender, sink *metrics.Sink, d *udf.Dispatcher, instances int, layout string) *MessageHandler {
	exclusions := make(map[string]struct{}, len(cfg.Exclusions))
	for _, m := range cfg.Exclusions {
		exclusions[strings.ToUpper(m)] = struct{}{}
	}
	return &MessageHandler{
		cfg:        cfg,
		bus:        b,
		sender:     sender,
		sink:       sink,
		udf:        d,
		parser:     sip.NewParser(),
		instances:  instances,
		layout:     layout,
		exclusions: exclusions,
		logger:     log.GetLogger().WithField("component", "sip_message_handler"),
		tasks:      make(chan func(), 64),
		stopped:    make(chan struct{}),
	}
}

// Subscribe attaches the worker's mailbox to the sip topic.
func (h *MessageHandler) Subscribe() {
	h.sub = h.bus.Subscribe(TopicSIP)
}

// Run processes packets and posted UDF continuations until Stop. Everything
// runs on this goroutine, so per-message work needs no synchronization.
func (h *MessageHandler) Run() {
	defer close(h.stopped)
	for {
		select {
		case msg := <-h.sub.C():
			if pkt, ok := msg.Payload.(*core.Packet); ok {
				h.process(pkt)
			}
		case task := <-h.tasks:
			task()
		case <-h.sub.Done():
			return
		}
	}
}

// Stop detaches the mailbox and waits for Run to return.
func (h *MessageHandler) Stop() {
	h.sub.Unsubscribe()
	<-h.stopped
}

func (h *MessageHandler) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.stopped:
	}
}

func (h *MessageHandler) process(pkt *core.Packet) {
	// sipgo parses the raw bytes without transcoding, so 8-bit bodies
	// (SIP-I encapsulated ISUP) survive untouched.
	msg, err := h.parser.ParseSIP(pkt.Payload)
	if err != nil {
		h.logger.WithError(err).Debugf("unparsable sip payload from %s, dropped", pkt.SrcAddr)
		metrics.SIPParseFailures.Inc()
		return
	}

	callID := msg.CallID()
	from := msg.From()
	to := msg.To()
	if callID == nil || from == nil || to == nil {
		h.logger.Debugf("sip message from %s misses identity headers, dropped", pkt.SrcAddr)
		metrics.SIPParseFailures.Inc()
		return
	}
	cseq := msg.CSeq()
	if cseq == nil {
		h.logger.Debugf("sip message from %s has no cseq, dropped", pkt.SrcAddr)
		metrics.SIPParseFailures.Inc()
		return
	}
	method := strings.ToUpper(string(cseq.MethodName))
	if _, ok := knownMethods[method]; !ok {
		h.logger.Debugf("unknown cseq method %q from %s, dropped", method, pkt.SrcAddr)
		return
	}

	h.annotate(pkt, msg, callID, from, to, cseq, method)
	h.count(pkt, msg, method)
	h.sink.Counter("packets_processed", metrics.Tags{"protocol": "sip"}).Inc()

	if _, excluded := h.exclusions[method]; excluded {
		return
	}

	prefix := RoutingPrefix(method)
	h.udf.Execute(EndpointMessageUDF, flattenAttributes(pkt), h.post, func(accepted bool, attrs map[string]any) {
		if !accepted {
			h.logger.Debugf("message %s dropped by user function", callID.Value())
			return
		}
		for k, v := range attrs {
			pkt.PutAttribute(k, v)
		}
		h.forward(pkt, msg, prefix, method)
	})
}

func (h *MessageHandler) forward(pkt *core.Packet, msg sip.Message, prefix, method string) {
	collection := storage.CollectionName(prefix+"_raw", pkt.Timestamp, h.layout)
	h.sender.Insert(collection, messageDocument(pkt, msg))

	event := &Event{Packet: pkt, Msg: msg}

	if hasSdpBody(msg) {
		if err := h.bus.Publish(TopicSDP, event); err != nil {
			h.logger.WithError(err).Debug("no sdp handler subscribed")
		}
	}

	key := pkt.StringAttribute(core.AttrSIPCallID)
	if prefix == "sip_register" {
		key = pkt.StringAttribute(core.AttrSIPToURI)
	}
	if err := h.bus.SendSharded(prefix, key, ShardCount(prefix, h.instances), event); err != nil {
		h.logger.WithError(err).Warnf("forward to %s failed", prefix)
	}
}

// annotate copies the routing-relevant header fields into the packet
// attribute map, the cross-package contract with user functions.
func (h *MessageHandler) annotate(pkt *core.Packet, msg sip.Message, callID *sip.CallIDHeader, from *sip.FromHeader, to *sip.ToHeader, cseq *sip.CSeqHeader, method string) {
	pkt.PutAttribute(core.AttrSIPCallID, callID.Value())
	pkt.PutAttribute(core.AttrSIPFromURI, from.Address.String())
	pkt.PutAttribute(core.AttrSIPToURI, to.Address.String())
	pkt.PutAttribute(core.AttrSIPCSeqMethod, method)
	pkt.PutAttribute(core.AttrSIPCSeqNum, strconv.FormatUint(uint64(cseq.SeqNo), 10))

	if via := msg.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			pkt.PutAttribute(core.AttrSIPBranch, branch)
		}
	}
	switch m := msg.(type) {
	case *sip.Request:
		pkt.PutAttribute(core.AttrSIPMethod, string(m.Method))
	case *sip.Response:
		pkt.PutAttribute(core.AttrSIPStatusCode, strconv.Itoa(int(m.StatusCode)))
	}
}

// count emits the per-message counter. Metrics fire for every valid message,
// exclusions only mute persistence and forwarding.
func (h *MessageHandler) count(pkt *core.Packet, msg sip.Message, method string) {
	tags := metrics.Tags{"cseq_method": method}
	if pkt.SrcAddr.Host != "" {
		tags["src_host"] = pkt.SrcAddr.Host
	}
	if pkt.DstAddr.Host != "" {
		tags["dst_host"] = pkt.DstAddr.Host
	}
	switch m := msg.(type) {
	case *sip.Request:
		tags["method"] = string(m.Method)
	case *sip.Response:
		status := int(m.StatusCode)
		tags["status_type"] = fmt.Sprintf("%dxx", status/100)
		tags["status_code"] = strconv.Itoa(status)
	}
	h.sink.Counter("sip_"+strings.ToLower(method)+"_messages", tags).Inc()
}

// flattenAttributes snapshots the packet attributes as the UDF payload.
func flattenAttributes(pkt *core.Packet) map[string]any {
	payload := make(map[string]any, len(pkt.Attributes)+2)
	for k, v := range pkt.Attributes {
		payload[k] = v
	}
	payload["src_addr"] = pkt.SrcAddr.String()
	payload["dst_addr"] = pkt.DstAddr.String()
	return payload
}

// hasSdpBody checks for an application/sdp body. Content-Type lives on the
// concrete request/response types, not on the Message interface.
func hasSdpBody(msg sip.Message) bool {
	if len(msg.Body()) == 0 {
		return false
	}
	var ct *sip.ContentTypeHeader
	switch m := msg.(type) {
	case *sip.Request:
		ct = m.ContentType()
	case *sip.Response:
		ct = m.ContentType()
	}
	return ct != nil && strings.Contains(strings.ToLower(ct.Value()), "application/sdp")
}

// messageDocument renders the raw-document snapshot of one message.
func messageDocument(pkt *core.Packet, msg sip.Message) map[string]any {
	doc := map[string]any{
		"timestamp": pkt.Timestamp.UnixMilli(),
		"src_addr":  pkt.SrcAddr.String(),
		"dst_addr":  pkt.DstAddr.String(),
		"call_id":   pkt.StringAttribute(core.AttrSIPCallID),
		"from_uri":  pkt.StringAttribute(core.AttrSIPFromURI),
		"to_uri":    pkt.StringAttribute(core.AttrSIPToURI),
		"cseq":      pkt.StringAttribute(core.AttrSIPCSeqNum) + " " + pkt.StringAttribute(core.AttrSIPCSeqMethod),
		"payload":   string(pkt.Payload),
	}
	if pkt.SrcAddr.Host != "" {
		doc["src_host"] = pkt.SrcAddr.Host
	}
	if pkt.DstAddr.Host != "" {
		doc["dst_host"] = pkt.DstAddr.Host
	}
	switch m := msg.(type) {
	case *sip.Request:
		doc["method"] = string(m.Method)
	case *sip.Response:
		doc["status_code"] = int(m.StatusCode)
		doc["reason"] = m.Reason
	}
	return doc
}
