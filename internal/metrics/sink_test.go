package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in  string
		out string
	}{
		{"rtpr_rtp_jitter", "rtpr_rtp_jitter"},
		{"rtpr_rtp_r-factor", "rtpr_rtp_r_factor"},
		{"rtpr_rtcp_expected-packets", "rtpr_rtcp_expected_packets"},
		{"sip_invite_messages", "sip_invite_messages"},
		{"9starts_with_digit", "_starts_with_digit"},
		{"dots.and spaces", "dots_and_spaces"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, Sanitize(tt.in))
	}
}

func TestSinkCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.Counter("sip_invite_messages", Tags{"method": "INVITE", "status_type": ""}).Inc()
	s.Counter("sip_invite_messages", Tags{"method": "INVITE", "status_type": "2xx"}).Inc()
	s.Counter("sip_invite_messages", Tags{"method": "INVITE", "status_type": "2xx"}).Inc()

	c := s.Counter("sip_invite_messages", Tags{"method": "INVITE", "status_type": "2xx"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c))
}

func TestSinkCounterFixedKeySet(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	// First observation fixes the key set.
	s.Counter("packets_processed", Tags{"src_host": "pbx1", "dst_host": "core"}).Inc()

	// A later call missing a tag must not panic, absent keys map to "".
	require.NotPanics(t, func() {
		s.Counter("packets_processed", Tags{"src_host": "pbx1"}).Inc()
	})

	c := s.Counter("packets_processed", Tags{"src_host": "pbx1", "dst_host": ""})
	assert.Equal(t, 1.0, testutil.ToFloat64(c))
}

func TestSinkSanitizedRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	// The dashed spec name and its sanitized form are the same metric.
	s.Summary("rtpr_rtp_r-factor", nil).Observe(80.5)
	s.Summary("rtpr_rtp_r_factor", nil).Observe(79.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "rtpr_rtp_r_factor", families[0].GetName())
	assert.Equal(t, uint64(2), families[0].GetMetric()[0].GetSummary().GetSampleCount())
}

func TestSinkTimer(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.Timer("rtpr_rtp_duration", Tags{"source": "RTP"}, 1500*time.Millisecond)
	s.Timer("rtpr_rtp_duration", Tags{"source": "RTP"}, 500*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	h := families[0].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 2.0, h.GetSampleSum(), 0.001)
}
