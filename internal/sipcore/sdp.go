package sipcore

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/media"
)

// SdpHandler turns SDP bodies observed in signaling into SdpSession records
// and publishes them on sdp_info, where both the RTP-R aggregator and the
// management registry pick them up.
type SdpHandler struct {
	bus    *bus.Bus
	codecs *media.CodecTable
	logger log.Logger

	sub     *bus.Subscription
	stopped chan struct{}
}

// NewSdpHandler creates the worker.
func NewSdpHandler(b *bus.Bus, codecs *media.CodecTable) *SdpHandler {
	return &SdpHandler{
		bus:     b,
		codecs:  codecs,
		logger:  log.GetLogger().WithField("component", "sdp_handler"),
		stopped: make(chan struct{}),
	}
}

// Subscribe attaches the worker to the sdp topic.
func (h *SdpHandler) Subscribe() {
	h.sub = h.bus.Subscribe(TopicSDP)
}

// Run drains SDP-bearing events until Stop.
func (h *SdpHandler) Run() {
	defer close(h.stopped)
	for {
		select {
		case msg := <-h.sub.C():
			if ev, ok := msg.Payload.(*Event); ok {
				h.handle(ev)
			}
		case <-h.sub.Done():
			return
		}
	}
}

// Stop detaches the mailbox and waits for Run to return.
func (h *SdpHandler) Stop() {
	h.sub.Unsubscribe()
	<-h.stopped
}

func (h *SdpHandler) handle(ev *Event) {
	sessions := h.extract(ev)
	if len(sessions) == 0 {
		return
	}
	if err := h.bus.Publish(media.TopicSdpInfo, sessions); err != nil {
		h.logger.WithError(err).Debug("no sdp_info consumer")
	}
}

// extract builds one SdpSession per audio media leg of the body.
func (h *SdpHandler) extract(ev *Event) []*core.SdpSession {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(ev.Msg.Body()); err != nil {
		h.logger.WithError(err).Debugf("unparsable sdp body in %s, ignored", ev.Packet.StringAttribute(core.AttrSIPCallID))
		return nil
	}

	callID := ev.Packet.StringAttribute(core.AttrSIPCallID)
	timestamp := ev.Packet.Timestamp.UnixMilli()

	var sessions []*core.SdpSession
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		ip := connectionAddress(&desc, m)
		port := m.MediaName.Port.Value
		if ip == "" || port == 0 {
			continue
		}
		codec, ok := h.resolveCodec(m)
		if !ok {
			h.logger.Debugf("no known codec among %v for call %s", m.MediaName.Formats, callID)
		}
		sessions = append(sessions, &core.SdpSession{
			ID:        core.SdpSessionID(core.NewAddress(ip, port)),
			CallID:    callID,
			Timestamp: timestamp,
			Codec:     codec,
		})
	}
	return sessions
}

// connectionAddress prefers the media-level connection line over the
// session-level one.
func connectionAddress(desc *sdp.SessionDescription, m *sdp.MediaDescription) string {
	if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
		return m.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return ""
}

// resolveCodec picks the first negotiated format the impairment table knows,
// trying the rtpmap name first, the static payload type second.
func (h *SdpHandler) resolveCodec(m *sdp.MediaDescription) (core.SdpCodec, bool) {
	rtpmap := make(map[int]string)
	for _, attr := range m.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// "0 PCMU/8000" → payload type 0, encoding name PCMU
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rtpmap[pt] = strings.SplitN(fields[1], "/", 2)[0]
	}

	for _, format := range m.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		if name, ok := rtpmap[pt]; ok {
			if codec, ok := h.codecs.ByName(name); ok {
				codec.PayloadType = pt
				return codec, true
			}
		}
		if codec, ok := h.codecs.ByPayloadType(pt); ok {
			return codec, true
		}
	}
	return core.SdpCodec{}, false
}
