package management

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/media"
	"firestige.xyz/strix/internal/storage"
)

func testMgmtConfig() config.ManagementConfig {
	return config.ManagementConfig{
		URI:               "udp://127.0.0.1:0",
		ExpirationDelay:   time.Second,
		ExpirationTimeout: time.Minute,
	}
}

func captureWrites(b *bus.Bus) chan *storage.Write {
	writes := make(chan *storage.Write, 16)
	b.Handle(storage.TopicBulkWriter, func(msg *bus.Message) {
		if w, ok := msg.Payload.(*storage.Write); ok {
			writes <- w
		}
	})
	return writes
}

func registerDatagram(name string, rtpEnabled bool) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "register",
		"payload": map[string]any{
			"timestamp": time.Now().UnixMilli(),
			"name":      name,
			"config": map[string]any{
				"host": map[string]any{"name": name, "address": "10.0.0.1"},
				"rtp":  map[string]any{"enabled": rtpEnabled},
			},
		},
	})
	return data
}

func TestRegisterIdempotence(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	writes := captureWrites(b)
	r := NewRegistry(testMgmtConfig(), storage.NewSender(b))

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	host := map[string]any{"name": "agent-1", "address": "10.0.0.1"}

	r.Register("agent-1", false, host, addr)
	first, _ := r.cache.Get("agent-1")

	time.Sleep(2 * time.Millisecond)
	r.Register("agent-1", true, host, addr)

	if r.Count() != 1 {
		t.Fatalf("agent count = %d, want 1", r.Count())
	}
	second, _ := r.cache.Get("agent-1")
	if !second.(*Agent).LastUpdate.After(first.(*Agent).LastUpdate) {
		t.Fatal("re-register must advance last update")
	}
	if !r.SendSdpEnabled() {
		t.Fatal("rtp-enabled re-register must raise the sdp flag")
	}

	// Only the first sighting upserts the host descriptor.
	select {
	case w := <-writes:
		if w.Collection != "hosts" || w.Filter == nil {
			t.Fatalf("unexpected write: %+v", w)
		}
	case <-time.After(time.Second):
		t.Fatal("host descriptor never upserted")
	}
	select {
	case <-writes:
		t.Fatal("re-register must not upsert the host again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendSdpFlagFollowsAgents(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	r := NewRegistry(testMgmtConfig(), storage.NewSender(b))

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	r.Register("signaling-only", false, nil, addr)
	if r.SendSdpEnabled() {
		t.Fatal("flag must stay down without rtp agents")
	}
	r.Register("media-agent", true, nil, addr)
	if !r.SendSdpEnabled() {
		t.Fatal("flag must rise with an rtp agent")
	}
	if got := len(r.RTPAgents()); got != 1 {
		t.Fatalf("rtp agent count = %d, want 1", got)
	}
}

func TestSdpPushReachesAllRtpAgents(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	b.Handle(storage.TopicBulkWriter, func(*bus.Message) {})

	r := NewRegistry(testMgmtConfig(), storage.NewSender(b))
	srv := NewServer(testMgmtConfig(), b, r)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	defer srv.Stop()
	serverAddr := srv.LocalAddr()

	agents := make([]*net.UDPConn, 2)
	for i := range agents {
		conn, err := net.DialUDP("udp", nil, serverAddr)
		if err != nil {
			t.Fatalf("agent socket: %v", err)
		}
		defer conn.Close()
		agents[i] = conn

		name := fmt.Sprintf("agent-%d", i)
		if _, err := conn.Write(registerDatagram(name, true)); err != nil {
			t.Fatalf("register send: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != 2 {
		t.Fatalf("agent count = %d, want 2", r.Count())
	}

	session := &core.SdpSession{
		ID:        1234,
		CallID:    "push-1@pbx",
		Timestamp: time.Now().UnixMilli(),
		Codec:     core.SdpCodec{PayloadType: 0, Name: "PCMU", IE: 0, BPL: 25},
	}
	if err := b.Publish(media.TopicSdpInfo, []*core.SdpSession{session}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	buf := make([]byte, 65535)
	for i, conn := range agents {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("agent %d never received the sdp push: %v", i, err)
		}
		var env struct {
			Type    string           `json:"type"`
			Payload *core.SdpSession `json:"payload"`
		}
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			t.Fatalf("agent %d datagram undecodable: %v", i, err)
		}
		if env.Type != "sdp_session" {
			t.Fatalf("datagram type = %q", env.Type)
		}
		if env.Payload == nil || env.Payload.CallID != "push-1@pbx" {
			t.Fatalf("wrong session pushed: %+v", env.Payload)
		}
	}
}

func TestMalformedDatagramsDropped(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	r := NewRegistry(testMgmtConfig(), storage.NewSender(b))
	srv := NewServer(testMgmtConfig(), b, r)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	defer srv.Stop()

	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	srv.handle([]byte("{not json"), remote)
	srv.handle([]byte(`{"type":"register","payload":{"config":{}}}`), remote)
	srv.handle([]byte(`{"type":"mystery","payload":{}}`), remote)

	if r.Count() != 0 {
		t.Fatalf("malformed datagrams must not register agents, count = %d", r.Count())
	}
}
