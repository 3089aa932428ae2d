package media

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/storage"
)

// Bus topics the aggregator is wired to.
const (
	TopicRTP     = "rtpr"
	TopicRTCP    = "rtpr_rtcp"
	TopicSdpInfo = "sdp_info"

	// TopicMediaPrefix is the sharded destination for terminated sessions
	// that carry a Call-ID; the call aggregator consumes them.
	TopicMediaPrefix = "media"
)

// Aggregator is the RTP-R session worker. It owns the SDP cache and both
// session maps, so everything here runs on the single Run goroutine and the
// maps need no locks.
type Aggregator struct {
	cfg    config.RTPRConfig
	bus    *bus.Bus
	sender *storage.Sender
	sink   *metrics.Sink
	clk    clock.Clock
	shards int
	layout string
	logger log.Logger

	sdp  map[int64]*core.SdpSession
	rtp  map[uint64]*RtprSession
	rtcp map[uint64]*RtprSession

	rtpSub  *bus.Subscription
	rtcpSub *bus.Subscription
	sdpSub  *bus.Subscription
	stopped chan struct{}
}

// NewAggregator creates the worker. layout is the translated collection
// suffix layout, shards the call aggregator shard count.
func NewAggregator(cfg config.RTPRConfig, b *bus.Bus, sender *storage.Sender, sink *metrics.Sink, clk clock.Clock, shards int, layout string) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		bus:     b,
		sender:  sender,
		sink:    sink,
		clk:     clk,
		shards:  shards,
		layout:  layout,
		logger:  log.GetLogger().WithField("component", "rtpr_aggregator"),
		sdp:     make(map[int64]*core.SdpSession),
		rtp:     make(map[uint64]*RtprSession),
		rtcp:    make(map[uint64]*RtprSession),
		stopped: make(chan struct{}),
	}
}

// Subscribe attaches the worker's mailboxes. Separate from Run so the caller
// can guarantee subscriptions exist before ingest starts.
func (a *Aggregator) Subscribe() {
	a.rtpSub = a.bus.Subscribe(TopicRTP)
	a.rtcpSub = a.bus.Subscribe(TopicRTCP)
	a.sdpSub = a.bus.Subscribe(TopicSdpInfo)
}

// Run drains the mailboxes and the expiry ticker until Stop.
func (a *Aggregator) Run() {
	defer close(a.stopped)

	ticker := a.clk.Ticker(a.cfg.ExpirationDelay)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.rtpSub.C():
			if pkt, ok := msg.Payload.(*core.Packet); ok {
				a.handleReport(pkt)
			}
		case msg := <-a.rtcpSub.C():
			if pkt, ok := msg.Payload.(*core.Packet); ok {
				a.handleReport(pkt)
			}
		case msg := <-a.sdpSub.C():
			if sessions, ok := msg.Payload.([]*core.SdpSession); ok {
				a.handleSdp(sessions)
			}
		case <-ticker.C:
			a.expire(a.clk.Now())
		case <-a.rtpSub.Done():
			return
		}
	}
}

// Stop detaches the mailboxes and waits for Run to return.
func (a *Aggregator) Stop() {
	a.rtpSub.Unsubscribe()
	a.rtcpSub.Unsubscribe()
	a.sdpSub.Unsubscribe()
	<-a.stopped
}

func (a *Aggregator) handleSdp(sessions []*core.SdpSession) {
	for _, s := range sessions {
		a.sdp[s.ID] = s
	}
}

func (a *Aggregator) handleReport(pkt *core.Packet) {
	report, err := DecodeReport(pkt.Payload)
	if err != nil {
		a.logger.WithError(err).Debugf("undecodable report from %s, dropped", pkt.SrcAddr)
		metrics.RTPRDecodeFailures.WithLabelValues(protocolLabel(pkt.Protocol)).Inc()
		return
	}
	if report.Cumulative {
		// Legacy agents aggregate on their side; the core owns aggregation.
		a.logger.Debugf("cumulative report from %s, dropped", pkt.SrcAddr)
		return
	}

	a.sink.Counter("packets_processed", metrics.Tags{"protocol": "rtpr"}).Inc()

	if report.CallID == "" {
		a.enrich(report, pkt)
	}
	a.annotate(pkt, report)

	key := sessionKey(pkt.SrcAddr, pkt.DstAddr, report.SSRC)
	sessions := a.rtp
	if report.Source == SourceRTCP {
		sessions = a.rtcp
	}
	now := a.clk.Now()
	if session, ok := sessions[key]; ok {
		session.merge(report, now)
	} else {
		sessions[key] = newSession(pkt.SrcAddr, pkt.DstAddr, report, now)
	}

	collection := storage.CollectionName("rtpr_"+report.Source.String()+"_raw", pkt.Timestamp, a.layout)
	a.sender.Insert(collection, reportDocument(report, pkt))

	if !a.cfg.CumulativeMetrics {
		a.emitMetrics(report, pkt.SrcAddr, pkt.DstAddr)
	}
}

// enrich resolves the report against the SDP cache, trying the source
// address first and the destination second, and derives R-factor and MOS
// from the negotiated codec's impairment constants.
func (a *Aggregator) enrich(report *RtpReportPayload, pkt *core.Packet) {
	session, ok := a.sdp[core.SdpSessionID(pkt.SrcAddr)]
	if !ok {
		session, ok = a.sdp[core.SdpSessionID(pkt.DstAddr)]
	}
	if !ok {
		return
	}
	report.CallID = session.CallID
	report.CodecName = session.Codec.Name
	report.PayloadType = session.Codec.PayloadType
	report.RFactor = RFactor(session.Codec.IE, session.Codec.BPL, report.FractionLost)
	report.MOS = MOS(report.RFactor)
}

// annotate mirrors the decoded report identity onto the packet attribute
// map, the same contract the SIP path keeps for user functions.
func (a *Aggregator) annotate(pkt *core.Packet, report *RtpReportPayload) {
	pkt.PutAttribute(core.AttrRTPRSSRC, fmt.Sprintf("0x%08X", report.SSRC))
	if report.CallID != "" {
		pkt.PutAttribute(core.AttrRTPRCallID, report.CallID)
	}
	if report.CodecName != "" {
		pkt.PutAttribute(core.AttrRTPRCodec, report.CodecName)
	}
}

// expire drops stale SDP entries and terminates idle sessions. Runs on the
// Run goroutine, so the maps are touched single-threaded.
func (a *Aggregator) expire(now time.Time) {
	for id, s := range a.sdp {
		if now.UnixMilli()-s.Timestamp > a.cfg.AggregationTimeout.Milliseconds() {
			delete(a.sdp, id)
		}
	}
	a.expireSessions(a.rtp, now)
	a.expireSessions(a.rtcp, now)
}

func (a *Aggregator) expireSessions(sessions map[uint64]*RtprSession, now time.Time) {
	for key, s := range sessions {
		if now.Sub(s.LastReportAt) < a.cfg.AggregationTimeout {
			continue
		}
		delete(sessions, key)
		a.terminate(s)
	}
}

func (a *Aggregator) terminate(s *RtprSession) {
	if a.logger.IsDebugEnabled() {
		a.logger.Debugf("session %s terminated after %d report(s), src=%s dst=%s call_id=%q",
			s.Report.Source, s.ReportCount, s.SrcAddr, s.DstAddr, s.Report.CallID)
	}
	if s.Report.CallID != "" {
		if err := a.bus.SendSharded(TopicMediaPrefix, s.Report.CallID, a.shards, s); err != nil {
			a.logger.WithError(err).Debugf("no call aggregator for session %s", s.Report.CallID)
		}
	}
	if a.cfg.CumulativeMetrics {
		a.emitMetrics(&s.Report, s.SrcAddr, s.DstAddr)
	}
}

func (a *Aggregator) emitMetrics(r *RtpReportPayload, src, dst core.Address) {
	prefix := "rtpr_" + r.Source.String() + "_"
	tags := metrics.Tags{}
	if src.Host != "" {
		tags["src_host"] = src.Host
	}
	if dst.Host != "" {
		tags["dst_host"] = dst.Host
	}
	if r.CodecName != "" {
		tags["codec"] = r.CodecName
	}

	a.sink.Summary(prefix+"jitter", tags).Observe(r.AvgJitter)
	a.sink.Summary(prefix+"expected-packets", tags).Observe(float64(r.ExpectedPackets))
	a.sink.Summary(prefix+"lost-packets", tags).Observe(float64(r.LostPackets))
	a.sink.Summary(prefix+"rejected-packets", tags).Observe(float64(r.RejectedPackets))
	a.sink.Timer(prefix+"duration", tags, time.Duration(r.Duration)*time.Millisecond)
	if r.RFactor > 0 {
		a.sink.Summary(prefix+"r-factor", tags).Observe(r.RFactor)
		a.sink.Summary(prefix+"mos", tags).Observe(r.MOS)
	}
}

// reportDocument is the per-report raw snapshot persisted to the day bucket.
func reportDocument(r *RtpReportPayload, pkt *core.Packet) map[string]any {
	doc := map[string]any{
		"timestamp":        pkt.Timestamp.UnixMilli(),
		"src_addr":         pkt.SrcAddr.String(),
		"dst_addr":         pkt.DstAddr.String(),
		"source":           r.Source.String(),
		"ssrc":             int64(r.SSRC),
		"expected_packets": int64(r.ExpectedPackets),
		"received_packets": int64(r.ReceivedPackets),
		"lost_packets":     int64(r.LostPackets),
		"rejected_packets": int64(r.RejectedPackets),
		"fraction_lost":    r.FractionLost,
		"last_jitter":      r.LastJitter,
		"avg_jitter":       r.AvgJitter,
		"min_jitter":       r.MinJitter,
		"max_jitter":       r.MaxJitter,
		"created_at":       r.CreatedAt,
		"started_at":       r.StartedAt,
		"duration":         r.Duration,
	}
	if pkt.SrcAddr.Host != "" {
		doc["src_host"] = pkt.SrcAddr.Host
	}
	if pkt.DstAddr.Host != "" {
		doc["dst_host"] = pkt.DstAddr.Host
	}
	if r.CallID != "" {
		doc["call_id"] = r.CallID
	}
	if r.CodecName != "" {
		doc["codec_name"] = r.CodecName
		doc["payload_type"] = r.PayloadType
	}
	if r.RFactor > 0 {
		doc["r_factor"] = r.RFactor
		doc["mos"] = r.MOS
	}
	return doc
}

func protocolLabel(p byte) string {
	switch p {
	case core.ProtocolRTCP:
		return "rtcp"
	case core.ProtocolRTP:
		return "rtp"
	case core.ProtocolRTPR:
		return "rtpr"
	default:
		return "unknown"
	}
}
