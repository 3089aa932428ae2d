package sipcore

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/storage"
	"firestige.xyz/strix/internal/udf"
)

const suffixLayout = "20060102"

func testTxConfig() config.SIPTransactionConfig {
	return config.SIPTransactionConfig{
		ExpirationDelay:    5 * time.Second,
		TerminationTimeout: 30 * time.Second,
	}
}

// testDispatcher builds a dispatcher with an empty endpoint snapshot, so
// every Execute resolves synchronously as no-op success.
func testDispatcher(b *bus.Bus) *udf.Dispatcher {
	cfg := config.UDFConfig{CheckPeriod: time.Minute, ExecutionTimeout: time.Second}
	return udf.NewDispatcher(cfg, b, clock.NewMock())
}

// captureWrites funnels the bulk writer topic into a channel.
func captureWrites(b *bus.Bus) chan *storage.Write {
	writes := make(chan *storage.Write, 16)
	b.Handle(storage.TopicBulkWriter, func(msg *bus.Message) {
		if w, ok := msg.Payload.(*storage.Write); ok {
			writes <- w
		}
	})
	return writes
}

func awaitWrite(t *testing.T, writes chan *storage.Write) *storage.Write {
	t.Helper()
	select {
	case w := <-writes:
		return w
	case <-time.After(time.Second):
		t.Fatal("no document reached the bulk writer topic")
		return nil
	}
}

// crlf normalizes line endings to CRLF, whether the fixture uses bare LF or
// is already on the wire form.
func crlf(raw string) string {
	return strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")
}

func parseMsg(t *testing.T, raw string) sip.Message {
	t.Helper()
	msg, err := sip.NewParser().ParseSIP([]byte(crlf(raw)))
	if err != nil {
		t.Fatalf("test message does not parse: %v", err)
	}
	return msg
}

func sipPacket(raw string, ts time.Time) *core.Packet {
	return &core.Packet{
		Timestamp: ts,
		SrcAddr:   core.NewAddress("10.0.0.1", 5060),
		DstAddr:   core.NewAddress("10.0.0.2", 5060),
		Protocol:  core.ProtocolSIP,
		Payload:   []byte(crlf(raw)),
	}
}

const rawOptionsRequest = `OPTIONS sip:bob@10.0.0.2 SIP/2.0
Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776opt
From: <sip:alice@10.0.0.1>;tag=opt-from
To: <sip:bob@10.0.0.2>
Call-ID: opt-1@10.0.0.1
CSeq: 1 OPTIONS
Max-Forwards: 70
Content-Length: 0

`

const rawOptionsResponse = `SIP/2.0 200 OK
Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776opt
From: <sip:alice@10.0.0.1>;tag=opt-from
To: <sip:bob@10.0.0.2>;tag=opt-to
Call-ID: opt-1@10.0.0.1
CSeq: 1 OPTIONS
Content-Length: 0

`

const rawInviteRequest = `INVITE sip:bob@10.0.0.2 SIP/2.0
Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776inv
From: <sip:alice@10.0.0.1>;tag=inv-from
To: <sip:bob@10.0.0.2>
Call-ID: inv-1@10.0.0.1
CSeq: 10 INVITE
Max-Forwards: 70
Content-Length: 0

`
