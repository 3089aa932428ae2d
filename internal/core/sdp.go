package core

import (
	"encoding/binary"
	"hash/fnv"
)

// SdpCodec is the negotiated codec of a media leg together with the E-model
// impairment constants used for R-factor computation.
type SdpCodec struct {
	PayloadType int    `json:"payload_type"`
	Name        string `json:"name"`
	IE          int    `json:"ie"`
	BPL         int    `json:"bpl"`
}

// SdpSession describes one negotiated media leg. RTP-R aggregation looks it
// up by ID to correlate quality reports with the signaling plane, capture
// agents receive it over the management socket.
type SdpSession struct {
	ID        int64    `json:"id"`
	CallID    string   `json:"call_id"`
	Timestamp int64    `json:"timestamp"` // ms epoch of the describing packet
	Codec     SdpCodec `json:"codec"`
}

// SdpSessionID derives the session cache key from a media address. The low
// port bit is masked off so an RTP port and its implicit RTCP companion
// (port+1) map to the same session. Non-IPv4 addresses fall back to a 32-bit
// FNV digest of the full address bytes.
func SdpSessionID(a Address) int64 {
	var ip uint32
	if v4 := a.IP.Unmap(); v4.Is4() {
		b := v4.As4()
		ip = binary.BigEndian.Uint32(b[:])
	} else {
		h := fnv.New32a()
		b := a.IP.As16()
		h.Write(b[:])
		ip = h.Sum32()
	}
	return int64(ip)<<32 | int64(a.Port&0xFFFE)
}
