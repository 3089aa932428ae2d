package media

import (
	"hash/fnv"
	"time"

	"firestige.xyz/strix/internal/core"
)

// RtprSession is the running aggregate of all reports observed for one media
// stream. SrcAddr/DstAddr keep the orientation of the first report, the key
// is symmetric so the reverse direction lands on the same session.
type RtprSession struct {
	SrcAddr      core.Address
	DstAddr      core.Address
	CreatedAt    time.Time
	LastReportAt time.Time
	ReportCount  int
	Report       RtpReportPayload
}

// sessionKey folds the two address hashes with XOR, which is commutative, so
// either packet direction maps to the same session. The SSRC occupies the low
// 32 bits to keep distinct streams on one address pair apart.
func sessionKey(src, dst core.Address, ssrc uint32) uint64 {
	fold := addrHash(src) ^ addrHash(dst)
	return (fold &^ 0xFFFFFFFF) | uint64(ssrc)
}

func addrHash(a core.Address) uint64 {
	h := fnv.New64a()
	b := a.IP.As16()
	h.Write(b[:])
	h.Write([]byte{byte(a.Port >> 8), byte(a.Port)})
	return h.Sum64()
}

// newSession starts an aggregate from the first report of a stream.
func newSession(src, dst core.Address, r *RtpReportPayload, now time.Time) *RtprSession {
	s := &RtprSession{
		SrcAddr:      src,
		DstAddr:      dst,
		CreatedAt:    now,
		LastReportAt: now,
		ReportCount:  1,
		Report:       *r,
	}
	s.Report.Duration = 0
	return s
}

// merge folds one more report into the aggregate. Counts add up, jitter
// extremes widen, the running average jitter is weighted by each side's
// received packet count, and last-values follow the newest report.
func (s *RtprSession) merge(r *RtpReportPayload, now time.Time) {
	agg := &s.Report

	prevReceived := float64(agg.ReceivedPackets)
	newReceived := float64(r.ReceivedPackets)

	agg.ExpectedPackets += r.ExpectedPackets
	agg.ReceivedPackets += r.ReceivedPackets
	agg.LostPackets += r.LostPackets
	agg.RejectedPackets += r.RejectedPackets

	if agg.ExpectedPackets > 0 {
		agg.FractionLost = float64(agg.LostPackets) / float64(agg.ExpectedPackets)
	}

	if r.MinJitter < agg.MinJitter {
		agg.MinJitter = r.MinJitter
	}
	if r.MaxJitter > agg.MaxJitter {
		agg.MaxJitter = r.MaxJitter
	}
	if total := prevReceived + newReceived; total > 0 {
		agg.AvgJitter = (agg.AvgJitter*prevReceived + r.AvgJitter*newReceived) / total
	}
	agg.LastJitter = r.LastJitter

	if r.CallID != "" && agg.CallID == "" {
		agg.CallID = r.CallID
	}
	if r.CodecName != "" && agg.CodecName == "" {
		agg.CodecName = r.CodecName
		agg.PayloadType = r.PayloadType
	}
	if r.RFactor > 0 {
		agg.RFactor = r.RFactor
		agg.MOS = r.MOS
	}

	s.ReportCount++
	s.LastReportAt = now
	agg.Duration = now.Sub(s.CreatedAt).Milliseconds()
}
