// RTP-R wire codec.
//
// Capture agents ship quality reports as fixed big-endian frames:
//
//	Offset  Size  Description
//	------  ----  -----------
//	0       2     Magic: "RR" (0x5252)
//	2       1     Version (currently 1)
//	3       1     Source (1=RTP, 2=RTCP)
//	4       1     Flags (bit 0: cumulative)
//	5       4     SSRC (uint32)
//	9       4     Expected packet count (uint32)
//	13      4     Received packet count (uint32)
//	17      4     Lost packet count (uint32)
//	21      4     Rejected packet count (uint32)
//	25      4     Fraction lost (float32, 0..1)
//	29      4     Last jitter, ms (float32)
//	33      4     Avg  jitter, ms (float32)
//	37      4     Min  jitter, ms (float32)
//	41      4     Max  jitter, ms (float32)
//	45      8     Created at, ms epoch (int64)
//	53      8     Started at, ms epoch (int64)
//	61      8     Duration, ms (int64)
//	69      2     Call-ID length (uint16)
//	71      …     Call-ID bytes (optional, agents usually cannot fill it)
package media

import (
	"encoding/binary"
	"fmt"
	"math"

	"firestige.xyz/strix/internal/core"
)

const (
	reportMagic   = uint16(0x5252) // "RR"
	reportVersion = byte(1)

	// reportFixedLen is the frame length up to and including the
	// Call-ID length field.
	reportFixedLen = 71

	flagCumulative = byte(1 << 0)
)

// DecodeReport parses one RTP-R frame.
func DecodeReport(data []byte) (*RtpReportPayload, error) {
	if len(data) < reportFixedLen {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrReportTooShort, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != reportMagic {
		return nil, fmt.Errorf("%w: 0x%04x", core.ErrBadReportMagic, binary.BigEndian.Uint16(data[0:2]))
	}
	if data[2] != reportVersion {
		return nil, fmt.Errorf("%w: version %d", core.ErrBadReportMagic, data[2])
	}

	source := ReportSource(data[3])
	if source != SourceRTP && source != SourceRTCP {
		return nil, fmt.Errorf("%w: report source %d", core.ErrUnsupportedProto, data[3])
	}

	r := &RtpReportPayload{
		Source:          source,
		Cumulative:      data[4]&flagCumulative != 0,
		SSRC:            binary.BigEndian.Uint32(data[5:9]),
		ExpectedPackets: binary.BigEndian.Uint32(data[9:13]),
		ReceivedPackets: binary.BigEndian.Uint32(data[13:17]),
		LostPackets:     binary.BigEndian.Uint32(data[17:21]),
		RejectedPackets: binary.BigEndian.Uint32(data[21:25]),
		FractionLost:    float64(math.Float32frombits(binary.BigEndian.Uint32(data[25:29]))),
		LastJitter:      float64(math.Float32frombits(binary.BigEndian.Uint32(data[29:33]))),
		AvgJitter:       float64(math.Float32frombits(binary.BigEndian.Uint32(data[33:37]))),
		MinJitter:       float64(math.Float32frombits(binary.BigEndian.Uint32(data[37:41]))),
		MaxJitter:       float64(math.Float32frombits(binary.BigEndian.Uint32(data[41:45]))),
		CreatedAt:       int64(binary.BigEndian.Uint64(data[45:53])),
		StartedAt:       int64(binary.BigEndian.Uint64(data[53:61])),
		Duration:        int64(binary.BigEndian.Uint64(data[61:69])),
	}

	callIDLen := int(binary.BigEndian.Uint16(data[69:71]))
	if callIDLen > 0 {
		if len(data) < reportFixedLen+callIDLen {
			return nil, fmt.Errorf("%w: call-id truncated", core.ErrReportTooShort)
		}
		r.CallID = string(data[reportFixedLen : reportFixedLen+callIDLen])
	}
	return r, nil
}

// EncodeReport renders r as a wire frame. The encoder exists for the test
// harness and for agents embedding this module; the core itself only decodes.
func EncodeReport(r *RtpReportPayload) []byte {
	buf := make([]byte, 0, reportFixedLen+len(r.CallID))

	buf = binary.BigEndian.AppendUint16(buf, reportMagic)
	buf = append(buf, reportVersion)
	buf = append(buf, byte(r.Source))
	var flags byte
	if r.Cumulative {
		flags |= flagCumulative
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, r.SSRC)
	buf = binary.BigEndian.AppendUint32(buf, r.ExpectedPackets)
	buf = binary.BigEndian.AppendUint32(buf, r.ReceivedPackets)
	buf = binary.BigEndian.AppendUint32(buf, r.LostPackets)
	buf = binary.BigEndian.AppendUint32(buf, r.RejectedPackets)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(r.FractionLost)))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(r.LastJitter)))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(r.AvgJitter)))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(r.MinJitter)))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(r.MaxJitter)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.CreatedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.StartedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Duration))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.CallID)))
	buf = append(buf, r.CallID...)
	return buf
}
