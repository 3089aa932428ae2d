// Package core defines core types.
package core

// Attribute key constants following the {protocol}.{field} convention.
// Handlers and user functions read and extend the packet attribute map
// through these names, so the set here is the cross-package contract.
const (
	AttrSIPMethod     = "sip.method"      // Request method, empty for responses
	AttrSIPCallID     = "sip.call_id"
	AttrSIPFromURI    = "sip.from_uri"
	AttrSIPToURI      = "sip.to_uri"
	AttrSIPCSeqMethod = "sip.cseq_method"
	AttrSIPCSeqNum    = "sip.cseq_num"    // Decimal string
	AttrSIPStatusCode = "sip.status_code" // Decimal string, empty for requests
	AttrSIPBranch     = "sip.branch"      // Topmost Via branch parameter

	// RTP-R report attributes
	AttrRTPRCallID = "rtpr.call_id" // Correlated SIP call-id, may arrive empty
	AttrRTPRSSRC   = "rtpr.ssrc"    // Hex, 0xXXXXXXXX
	AttrRTPRCodec  = "rtpr.codec"   // Codec name resolved from SDP
)
