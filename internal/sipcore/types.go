// Package sipcore implements the signaling side of the pipeline: the SIP
// message handler, the transaction and call aggregators, and the SDP handler
// feeding media correlation.
package sipcore

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/media"
)

// TransactionState is the terminal classification of a SIP transaction.
type TransactionState string

const (
	StateTrying       TransactionState = "trying"
	StateProceeding   TransactionState = "proceeding"
	StateSucceed      TransactionState = "succeed"
	StateFailed       TransactionState = "failed"
	StateRedirected   TransactionState = "redirected"
	StateCanceled     TransactionState = "canceled"
	StateUnauthorized TransactionState = "unauthorized"
)

// CallState is the dialog-level state of a SIP call.
type CallState string

const (
	CallTrying   CallState = "trying"
	CallRinging  CallState = "ringing"
	CallAnswered CallState = "answered"
	CallEnded    CallState = "ended"
	CallFailed   CallState = "failed"
)

// Event pairs a packet with its parsed SIP message on the way from the
// message handler to the aggregators. Both travel by reference.
type Event struct {
	Packet *core.Packet
	Msg    sip.Message
}

// transactionKey identifies a transaction by the RFC 3261 matching rule:
// dialog, command sequence and the topmost Via branch.
type transactionKey struct {
	callID string
	seqNo  uint32
	method string
	branch string
}

// Transaction is one request/response exchange. At most one request and one
// final response attach; TerminatedAt is set by the final response or by
// timer expiry, never both.
type Transaction struct {
	CallID     string
	SeqNo      uint32
	Method     string
	Branch     string
	SrcAddr    core.Address
	DstAddr    core.Address
	FromURI    string
	ToURI      string
	FromTag    string
	ToTag      string
	Request    *sip.Request
	Response   *sip.Response
	Ringing    bool // a 18x provisional was observed
	StatusCode int  // final response status, 0 when expired unanswered
	CreatedAt  time.Time
	TerminatedAt time.Time
	State      TransactionState
	Attributes map[string]any

	touchedAt time.Time // wall clock of last attach, drives expiry
}

// classify maps a final status code onto the transaction state.
func classify(status int) TransactionState {
	switch {
	case status >= 200 && status < 300:
		return StateSucceed
	case status >= 300 && status < 400:
		return StateRedirected
	case status == 401 || status == 407:
		return StateUnauthorized
	case status == 487:
		return StateCanceled
	case status >= 400:
		return StateFailed
	default:
		return StateProceeding
	}
}

// leg is one (from-tag, to-tag) pair of a dialog.
type leg struct {
	FromTag string
	ToTag   string
}

// Call is the dialog-level aggregate keyed by Call-ID. Transactions keep
// their termination order.
type Call struct {
	CallID       string
	Legs         map[leg]struct{}
	Transactions []*Transaction
	State        CallState
	CreatedAt    time.Time
	AnsweredAt   time.Time
	TerminatedAt time.Time
	Media        []*media.RtprSession
	Attributes   map[string]any

	touchedAt time.Time
}
