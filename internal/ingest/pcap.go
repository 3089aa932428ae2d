// Package ingest implements the offline replay source. Live deployments feed
// the bus straight from capture agents; replay exists for offline analysis
// of recorded captures and for end-to-end testing.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/media"
	"firestige.xyz/strix/internal/sipcore"
)

const sipPort = 5060

// Replay reads a pcap file and publishes classified packets to the ingress
// topics, keeping the capture timestamps so documents land in their
// historical day buckets.
type Replay struct {
	path   string
	bus    *bus.Bus
	logger log.Logger
}

// NewReplay creates a replay source for path.
func NewReplay(path string, b *bus.Bus) *Replay {
	return &Replay{
		path:   path,
		bus:    b,
		logger: log.GetLogger().WithField("component", "pcap_replay"),
	}
}

// Run replays the whole file. It returns after the last packet; replay is a
// batch operation, not a long-lived worker.
func (r *Replay) Run() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open %s failed: %w", r.path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", r.path, err)
	}

	var replayed, skipped int
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet from %s failed: %w", r.path, err)
		}
		if r.replay(data, ci, reader.LinkType()) {
			replayed++
		} else {
			skipped++
		}
	}
	r.logger.Infof("replayed %d packet(s) from %s, %d skipped", replayed, r.path, skipped)
	return nil
}

func (r *Replay) replay(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) bool {
	packet := gopacket.NewPacket(data, linkType, gopacket.NoCopy)

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return false
	}
	udp := udpLayer.(*layers.UDP)
	payload := udp.Payload
	if len(payload) == 0 {
		return false
	}

	var srcIP, dstIP string
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return false
	}

	pkt := &core.Packet{
		Timestamp: ci.Timestamp,
		SrcAddr:   core.NewAddress(srcIP, int(udp.SrcPort)),
		DstAddr:   core.NewAddress(dstIP, int(udp.DstPort)),
		Payload:   payload,
	}

	topic, protocol := classify(pkt, payload)
	if topic == "" {
		return false
	}
	pkt.Protocol = protocol

	if err := r.bus.Send(topic, pkt); err != nil {
		r.logger.WithError(err).Warnf("replay to %s failed", topic)
		return false
	}
	return true
}

// classify routes a UDP payload to its ingress topic: RTP-R frames by their
// magic, SIP by port or start-line.
func classify(pkt *core.Packet, payload []byte) (string, byte) {
	if report, err := media.DecodeReport(payload); err == nil {
		if report.Source == media.SourceRTCP {
			return media.TopicRTCP, core.ProtocolRTPR
		}
		return media.TopicRTP, core.ProtocolRTPR
	}
	if pkt.SrcAddr.Port == sipPort || pkt.DstAddr.Port == sipPort || looksLikeSIP(payload) {
		return sipcore.TopicSIP, core.ProtocolSIP
	}
	return "", 0
}

func looksLikeSIP(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("SIP/2.0 ")) {
		return true
	}
	line, _, ok := bytes.Cut(payload, []byte("\r\n"))
	return ok && bytes.HasSuffix(line, []byte(" SIP/2.0"))
}
