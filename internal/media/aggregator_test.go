package media

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/storage"
)

func testConfig() config.RTPRConfig {
	return config.RTPRConfig{
		CumulativeMetrics:  false,
		ExpirationDelay:    4 * time.Second,
		AggregationTimeout: 30 * time.Second,
	}
}

// collectWrites drains the bulk writer topic into a channel.
func collectWrites(b *bus.Bus) chan *storage.Write {
	writes := make(chan *storage.Write, 16)
	b.Handle(storage.TopicBulkWriter, func(msg *bus.Message) {
		if w, ok := msg.Payload.(*storage.Write); ok {
			writes <- w
		}
	})
	return writes
}

func newTestAggregator(b *bus.Bus, clk clock.Clock, cfg config.RTPRConfig) *Aggregator {
	sink := metrics.NewSink(prometheus.NewRegistry())
	return NewAggregator(cfg, b, storage.NewSender(b), sink, clk, 2, "20060102")
}

func reportPacket(src, dst core.Address, r *RtpReportPayload, ts time.Time) *core.Packet {
	return &core.Packet{
		Timestamp: ts,
		SrcAddr:   src,
		DstAddr:   dst,
		Protocol:  core.ProtocolRTPR,
		Payload:   EncodeReport(r),
	}
}

func TestSymmetricSessionKey(t *testing.T) {
	a := core.NewAddress("10.0.0.1", 10000)
	b := core.NewAddress("10.0.0.2", 20000)
	if sessionKey(a, b, 7) != sessionKey(b, a, 7) {
		t.Fatal("session key must be direction-agnostic")
	}
	if sessionKey(a, b, 7) == sessionKey(a, b, 8) {
		t.Fatal("distinct SSRCs must not collide")
	}
}

func TestSdpEnrichmentComputesMos(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	agg := newTestAggregator(b, mock, testConfig())

	src := core.NewAddress("10.0.0.1", 10000)
	dst := core.NewAddress("10.0.0.9", 30000)
	agg.handleSdp([]*core.SdpSession{{
		ID:        core.SdpSessionID(src),
		CallID:    "call-1@pbx",
		Timestamp: mock.Now().UnixMilli(),
		Codec:     core.SdpCodec{PayloadType: 0, Name: "PCMU", IE: 0, BPL: 25},
	}})

	writes := collectWrites(b)
	r := sampleReport()
	pkt := reportPacket(src, dst, r, mock.Now())
	agg.handleReport(pkt)

	if got := pkt.StringAttribute(core.AttrRTPRCallID); got != "call-1@pbx" {
		t.Fatalf("call id attribute = %q", got)
	}
	if got := pkt.StringAttribute(core.AttrRTPRCodec); got != "PCMU" {
		t.Fatalf("codec attribute = %q", got)
	}
	if got := pkt.StringAttribute(core.AttrRTPRSSRC); got != fmt.Sprintf("0x%08X", r.SSRC) {
		t.Fatalf("ssrc attribute = %q", got)
	}

	session, ok := agg.rtp[sessionKey(src, dst, r.SSRC)]
	if !ok {
		t.Fatal("session not created")
	}
	if session.Report.CallID != "call-1@pbx" {
		t.Fatalf("call id not copied from sdp: %q", session.Report.CallID)
	}
	if session.Report.CodecName != "PCMU" {
		t.Fatalf("codec not copied: %q", session.Report.CodecName)
	}
	if session.Report.MOS < 1 || session.Report.MOS > 4.5 {
		t.Fatalf("MOS out of range: %v", session.Report.MOS)
	}

	select {
	case w := <-writes:
		if w.Collection != "rtpr_rtp_raw_20240301" {
			t.Fatalf("wrong collection: %s", w.Collection)
		}
	case <-time.After(time.Second):
		t.Fatal("raw write never reached the bulk writer topic")
	}
}

func TestMergeIdenticalReports(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	mock := clock.NewMock()
	agg := newTestAggregator(b, mock, testConfig())

	src := core.NewAddress("10.0.0.1", 10000)
	dst := core.NewAddress("10.0.0.9", 30000)

	const n = 5
	for i := 0; i < n; i++ {
		r := sampleReport()
		r.CallID = "call-2@pbx"
		agg.handleReport(reportPacket(src, dst, r, mock.Now()))
		mock.Add(time.Second)
	}

	session := agg.rtp[sessionKey(src, dst, sampleReport().SSRC)]
	if session == nil {
		t.Fatal("session not created")
	}
	want := sampleReport()
	if session.Report.ExpectedPackets != n*want.ExpectedPackets {
		t.Fatalf("expected packets: got %d want %d", session.Report.ExpectedPackets, n*want.ExpectedPackets)
	}
	if session.Report.AvgJitter != want.AvgJitter {
		t.Fatalf("identical reports must keep the jitter average: %v", session.Report.AvgJitter)
	}
	if session.Report.MinJitter != want.MinJitter || session.Report.MaxJitter != want.MaxJitter {
		t.Fatalf("jitter extremes drifted: %+v", session.Report)
	}
	if session.ReportCount != n {
		t.Fatalf("report count: %d", session.ReportCount)
	}
}

func TestCumulativeReportsDiscarded(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	mock := clock.NewMock()
	agg := newTestAggregator(b, mock, testConfig())

	r := sampleReport()
	r.Cumulative = true
	src := core.NewAddress("10.0.0.1", 10000)
	dst := core.NewAddress("10.0.0.9", 30000)
	agg.handleReport(reportPacket(src, dst, r, mock.Now()))

	if len(agg.rtp) != 0 {
		t.Fatal("cumulative report must not create a session")
	}
}

func TestExpiryTerminatesIdleSessions(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	mock := clock.NewMock()
	cfg := testConfig()
	agg := newTestAggregator(b, mock, cfg)

	forwarded := make(chan *RtprSession, 4)
	forward := func(msg *bus.Message) {
		if s, ok := msg.Payload.(*RtprSession); ok {
			forwarded <- s
		}
	}
	b.Handle(TopicMediaPrefix+"_0", forward)
	b.Handle(TopicMediaPrefix+"_1", forward)

	r := sampleReport()
	r.CallID = "call-3@pbx"
	src := core.NewAddress("10.0.0.1", 10000)
	dst := core.NewAddress("10.0.0.9", 30000)
	agg.handleReport(reportPacket(src, dst, r, mock.Now()))

	agg.expire(mock.Now().Add(cfg.AggregationTimeout / 2))
	if len(agg.rtp) != 1 {
		t.Fatal("session expired too early")
	}

	agg.expire(mock.Now().Add(cfg.AggregationTimeout + time.Second))
	if len(agg.rtp) != 0 {
		t.Fatal("idle session must terminate")
	}

	select {
	case s := <-forwarded:
		if s.Report.CallID != "call-3@pbx" {
			t.Fatalf("wrong session forwarded: %q", s.Report.CallID)
		}
	case <-time.After(time.Second):
		t.Fatal("terminated session never forwarded to the call aggregator")
	}
}

func TestSdpEntriesExpire(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	cfg := testConfig()
	agg := newTestAggregator(b, mock, cfg)

	agg.handleSdp([]*core.SdpSession{{
		ID:        42,
		CallID:    "call-4@pbx",
		Timestamp: mock.Now().UnixMilli(),
	}})

	agg.expire(mock.Now().Add(cfg.AggregationTimeout + time.Second))
	if len(agg.sdp) != 0 {
		t.Fatal("stale sdp entry survived expiry")
	}
}
