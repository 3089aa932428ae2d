package media

import (
	"strings"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
)

// defaultCodecs lists the impairment constants for the codecs the monitored
// networks commonly negotiate. ie is the codec's intrinsic impairment, bpl
// its robustness against random packet loss (G.113 appendix values, rounded).
var defaultCodecs = []core.SdpCodec{
	{PayloadType: 0, Name: "PCMU", IE: 0, BPL: 25},
	{PayloadType: 8, Name: "PCMA", IE: 0, BPL: 25},
	{PayloadType: 3, Name: "GSM", IE: 20, BPL: 10},
	{PayloadType: 4, Name: "G723", IE: 15, BPL: 16},
	{PayloadType: 9, Name: "G722", IE: 13, BPL: 30},
	{PayloadType: 18, Name: "G729", IE: 11, BPL: 19},
	{PayloadType: 97, Name: "iLBC", IE: 11, BPL: 32},
	{PayloadType: 111, Name: "opus", IE: 6, BPL: 25},
}

// CodecTable resolves codec impairment constants by name or payload type.
// Entries from the codecs: config section override or extend the defaults.
type CodecTable struct {
	byName map[string]core.SdpCodec
	byPT   map[int]core.SdpCodec
}

// NewCodecTable builds the lookup table from the defaults plus overrides.
func NewCodecTable(overrides []config.CodecConfig) *CodecTable {
	t := &CodecTable{
		byName: make(map[string]core.SdpCodec),
		byPT:   make(map[int]core.SdpCodec),
	}
	for _, c := range defaultCodecs {
		t.put(c)
	}
	for _, o := range overrides {
		t.put(core.SdpCodec{PayloadType: o.PayloadType, Name: o.Name, IE: o.IE, BPL: o.BPL})
	}
	return t
}

func (t *CodecTable) put(c core.SdpCodec) {
	t.byName[strings.ToUpper(c.Name)] = c
	t.byPT[c.PayloadType] = c
}

// ByName resolves a codec by its rtpmap encoding name, case-insensitive.
func (t *CodecTable) ByName(name string) (core.SdpCodec, bool) {
	c, ok := t.byName[strings.ToUpper(name)]
	return c, ok
}

// ByPayloadType resolves a codec by its static RTP payload type.
func (t *CodecTable) ByPayloadType(pt int) (core.SdpCodec, bool) {
	c, ok := t.byPT[pt]
	return c, ok
}
