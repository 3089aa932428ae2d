// Package core defines sentinel errors.
package core

import "errors"

var (
	// Bus errors
	ErrQueueFull      = errors.New("strix: subscriber queue full")
	ErrNoSubscribers  = errors.New("strix: no subscribers for topic")
	ErrRequestTimeout = errors.New("strix: request timed out")
	ErrBadReply       = errors.New("strix: reply has unexpected type")

	// SIP message errors
	ErrInvalidSIPMessage = errors.New("strix: invalid sip message")

	// RTP-R decoding errors
	ErrReportTooShort   = errors.New("strix: rtp report too short")
	ErrCumulativeReport = errors.New("strix: cumulative rtp report")
	ErrBadReportMagic   = errors.New("strix: bad rtp report magic")
	ErrUnsupportedProto = errors.New("strix: unsupported protocol")

	// Configuration errors
	ErrConfigInvalid = errors.New("strix: invalid configuration")
)
