package sipcore

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/storage"
)

func newTestHandler(b *bus.Bus, cfg config.SIPMessageConfig) *MessageHandler {
	sink := metrics.NewSink(prometheus.NewRegistry())
	return NewMessageHandler(cfg, b, storage.NewSender(b), sink, testDispatcher(b), 1, suffixLayout)
}

func TestRoutingPrefix(t *testing.T) {
	cases := map[string]string{
		"INVITE":    "sip_call",
		"ACK":       "sip_call",
		"BYE":       "sip_call",
		"CANCEL":    "sip_call",
		"INFO":      "sip_call",
		"REGISTER":  "sip_register",
		"NOTIFY":    "sip_notify",
		"MESSAGE":   "sip_message",
		"OPTIONS":   "sip_options",
		"SUBSCRIBE": "sip_subscribe",
	}
	for method, want := range cases {
		if got := RoutingPrefix(method); got != want {
			t.Errorf("RoutingPrefix(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestShardCount(t *testing.T) {
	if got := ShardCount("sip_call", 4); got != 4 {
		t.Errorf("sip_call shards = %d, want 4", got)
	}
	if got := ShardCount("sip_register", 4); got != 4 {
		t.Errorf("sip_register shards = %d, want 4", got)
	}
	if got := ShardCount("sip_options", 4); got != 1 {
		t.Errorf("sip_options shards = %d, want 1", got)
	}
}

func TestProcessRoutesAndAnnotates(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	h := newTestHandler(b, config.SIPMessageConfig{})

	events := make(chan *Event, 4)
	b.Handle("sip_call_0", func(msg *bus.Message) {
		if ev, ok := msg.Payload.(*Event); ok {
			events <- ev
		}
	})
	writes := captureWrites(b)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pkt := sipPacket(rawInviteRequest, ts)
	h.process(pkt)

	select {
	case ev := <-events:
		if ev.Packet != pkt {
			t.Fatal("forwarded event must carry the original packet")
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached the call shard topic")
	}

	if got := pkt.StringAttribute(core.AttrSIPCallID); got != "inv-1@10.0.0.1" {
		t.Fatalf("call id attribute = %q", got)
	}
	if got := pkt.StringAttribute(core.AttrSIPCSeqMethod); got != "INVITE" {
		t.Fatalf("cseq method attribute = %q", got)
	}
	if got := pkt.StringAttribute(core.AttrSIPCSeqNum); got != "10" {
		t.Fatalf("cseq num attribute = %q", got)
	}
	if got := pkt.StringAttribute(core.AttrSIPBranch); got != "z9hG4bK776inv" {
		t.Fatalf("branch attribute = %q", got)
	}

	w := awaitWrite(t, writes)
	if w.Collection != "sip_call_raw_20240301" {
		t.Fatalf("raw collection = %s", w.Collection)
	}
	doc := w.Document.(map[string]any)
	if doc["method"] != "INVITE" {
		t.Fatalf("raw method = %v", doc["method"])
	}
}

func TestProcessPublishesSdpEvents(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	h := newTestHandler(b, config.SIPMessageConfig{})

	b.Subscribe("sip_call_0")
	sdpEvents := make(chan *Event, 4)
	b.Handle(TopicSDP, func(msg *bus.Message) {
		if ev, ok := msg.Payload.(*Event); ok {
			sdpEvents <- ev
		}
	})

	body := "v=0\r\n" +
		"o=- 0 0 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 10001 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"
	raw := strings.ReplaceAll(fmt.Sprintf(`INVITE sip:bob@10.0.0.2 SIP/2.0
Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776sdp
From: <sip:alice@10.0.0.1>;tag=sdp-from
To: <sip:bob@10.0.0.2>
Call-ID: sdp-1@10.0.0.1
CSeq: 1 INVITE
Max-Forwards: 70
Content-Type: application/sdp
Content-Length: %d

`, len(body)), "\n", "\r\n") + body

	pkt := &core.Packet{
		Timestamp: time.Now(),
		SrcAddr:   core.NewAddress("10.0.0.1", 5060),
		DstAddr:   core.NewAddress("10.0.0.2", 5060),
		Protocol:  core.ProtocolSIP,
		Payload:   []byte(raw),
	}
	h.process(pkt)

	select {
	case ev := <-sdpEvents:
		if len(ev.Msg.Body()) == 0 {
			t.Fatal("sdp event lost its body")
		}
	case <-time.After(time.Second):
		t.Fatal("sdp-bearing message never published on the sdp topic")
	}
}

func TestProcessExclusionsSuppressForwarding(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	h := newTestHandler(b, config.SIPMessageConfig{Exclusions: []string{"options"}})

	events := make(chan *Event, 4)
	b.Handle("sip_options_0", func(msg *bus.Message) {
		if ev, ok := msg.Payload.(*Event); ok {
			events <- ev
		}
	})

	h.process(sipPacket(rawOptionsRequest, time.Now()))

	select {
	case <-events:
		t.Fatal("excluded method must not be forwarded")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessDropsInvalidMessages(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	h := newTestHandler(b, config.SIPMessageConfig{})

	// Garbage payload.
	h.process(&core.Packet{Payload: []byte("not sip at all"), Timestamp: time.Now()})

	// Valid syntax, unknown CSeq method.
	unknown := `FOO sip:bob@10.0.0.2 SIP/2.0
Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776foo
From: <sip:alice@10.0.0.1>;tag=foo-from
To: <sip:bob@10.0.0.2>
Call-ID: foo-1@10.0.0.1
CSeq: 1 FOO
Max-Forwards: 70
Content-Length: 0

`
	h.process(sipPacket(unknown, time.Now()))
	// No subscribers anywhere: reaching this point without a panic or a
	// forward attempt is the assertion.
}
