// Package media implements the RTP-R side of the pipeline: the wire codec
// for quality reports, the session aggregator pairing reports into media
// sessions, and the E-model mapping from packet loss to R-factor and MOS.
package media

// ReportSource tells which channel a quality report was measured on.
type ReportSource byte

const (
	SourceRTP  ReportSource = 1
	SourceRTCP ReportSource = 2
)

func (s ReportSource) String() string {
	switch s {
	case SourceRTP:
		return "rtp"
	case SourceRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// RtpReportPayload is one quality report produced by a capture agent from an
// observed RTP or RTCP stream. Inside a session it doubles as the running
// aggregate, merged report by report.
type RtpReportPayload struct {
	Source ReportSource `json:"source"`
	SSRC   uint32       `json:"ssrc"`

	ExpectedPackets uint32  `json:"expected_packets"`
	ReceivedPackets uint32  `json:"received_packets"`
	LostPackets     uint32  `json:"lost_packets"`
	RejectedPackets uint32  `json:"rejected_packets"`
	FractionLost    float64 `json:"fraction_lost"` // 0..1

	LastJitter float64 `json:"last_jitter"` // ms
	AvgJitter  float64 `json:"avg_jitter"`
	MinJitter  float64 `json:"min_jitter"`
	MaxJitter  float64 `json:"max_jitter"`

	CreatedAt int64 `json:"created_at"` // ms epoch
	StartedAt int64 `json:"started_at"` // ms epoch
	Duration  int64 `json:"duration"`   // ms

	// Cumulative marks reports from legacy agents that pre-aggregate on
	// their side. Those are discarded, the core owns aggregation.
	Cumulative bool `json:"cumulative,omitempty"`

	// Filled by SDP enrichment when the agent could not correlate itself.
	CallID      string  `json:"call_id,omitempty"`
	CodecName   string  `json:"codec_name,omitempty"`
	PayloadType int     `json:"payload_type,omitempty"`
	RFactor     float64 `json:"r_factor,omitempty"`
	MOS         float64 `json:"mos,omitempty"`
}
