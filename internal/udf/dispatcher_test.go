package udf

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/strix/internal/bus"
	"firestige.xyz/strix/internal/config"
)

func newTestDispatcher(b *bus.Bus, clk clock.Clock, timeout, period time.Duration) *Dispatcher {
	return NewDispatcher(config.UDFConfig{CheckPeriod: period, ExecutionTimeout: timeout}, b, clk)
}

func runInline(f func()) { f() }

func TestAbsentEndpointIsSynchronousNoOp(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 50*time.Millisecond, time.Minute)

	called := false
	d.Execute("sip_message_udf", map[string]any{"callId": "a"}, func(f func()) {
		t.Error("post must not run for absent endpoints")
	}, func(accepted bool, attrs map[string]any) {
		called = true
		if !accepted {
			t.Error("expected no-op success")
		}
		if len(attrs) != 0 {
			t.Errorf("expected no attributes, got %v", attrs)
		}
	})
	if !called {
		t.Fatal("callback did not run synchronously")
	}
}

func TestExecuteKeepsStringAndBoolAttributes(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 200*time.Millisecond, time.Minute)

	sub := b.Handle("sip_message_udf", func(msg *bus.Message) {
		payload, _ := msg.Payload.(map[string]any)
		attrs, ok := payload["attributes"].(map[string]any)
		if !ok || payload["callId"] != "a" {
			b.Reply(msg, false)
			return
		}
		attrs["carrier"] = "acme"
		attrs["fraud"] = true
		attrs["score"] = 42
		b.Reply(msg, true)
	})
	defer sub.Unsubscribe()
	d.refresh()

	done := make(chan struct{})
	var gotAccepted bool
	var gotAttrs map[string]any
	d.Execute("sip_message_udf", map[string]any{"callId": "a"}, runInline, func(accepted bool, attrs map[string]any) {
		gotAccepted = accepted
		gotAttrs = attrs
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
	if !gotAccepted {
		t.Fatal("expected accepted verdict")
	}
	if gotAttrs["carrier"] != "acme" || gotAttrs["fraud"] != true {
		t.Fatalf("unexpected attributes: %v", gotAttrs)
	}
	if _, ok := gotAttrs["score"]; ok {
		t.Fatal("non-string non-bool attribute survived sanitizing")
	}
}

func TestExecuteRejection(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 200*time.Millisecond, time.Minute)

	sub := b.Handle("sip_message_udf", func(msg *bus.Message) {
		b.Reply(msg, false)
	})
	defer sub.Unsubscribe()
	d.refresh()

	done := make(chan struct{})
	var gotAccepted bool
	d.Execute("sip_message_udf", map[string]any{}, runInline, func(accepted bool, attrs map[string]any) {
		gotAccepted = accepted
		if attrs != nil {
			t.Errorf("rejection must not carry attributes, got %v", attrs)
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
	if gotAccepted {
		t.Fatal("expected rejection")
	}
}

func TestExecuteTimeoutIsNoOpSuccess(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 30*time.Millisecond, time.Minute)

	sub := b.Handle("slow_udf", func(msg *bus.Message) {
		// never replies
	})
	defer sub.Unsubscribe()
	d.refresh()

	done := make(chan struct{})
	var gotAccepted bool
	d.Execute("slow_udf", map[string]any{}, runInline, func(accepted bool, attrs map[string]any) {
		gotAccepted = accepted
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
	if !gotAccepted {
		t.Fatal("timeout must resolve as no-op success")
	}
}

func TestExecuteBadReplyIsNoOpSuccess(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 200*time.Millisecond, time.Minute)

	sub := b.Handle("sip_message_udf", func(msg *bus.Message) {
		b.Reply(msg, "yes")
	})
	defer sub.Unsubscribe()
	d.refresh()

	done := make(chan struct{})
	var gotAccepted bool
	d.Execute("sip_message_udf", map[string]any{}, runInline, func(accepted bool, attrs map[string]any) {
		gotAccepted = accepted
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
	if !gotAccepted {
		t.Fatal("non-boolean reply must resolve as no-op success")
	}
}

func TestStaleSnapshotFailsOpen(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	d := newTestDispatcher(b, clock.New(), 50*time.Millisecond, time.Minute)

	sub := b.Handle("gone_udf", func(msg *bus.Message) {
		b.Reply(msg, false)
	})
	d.refresh()
	sub.Unsubscribe()

	done := make(chan struct{})
	var gotAccepted bool
	d.Execute("gone_udf", map[string]any{}, runInline, func(accepted bool, attrs map[string]any) {
		gotAccepted = accepted
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
	if !gotAccepted {
		t.Fatal("vanished endpoint must resolve as no-op success")
	}
}

func TestSnapshotRefresh(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	mock := clock.NewMock()
	d := newTestDispatcher(b, mock, 50*time.Millisecond, 5*time.Minute)
	d.Start()
	defer d.Stop()

	if d.Has("late_udf") {
		t.Fatal("endpoint visible before subscription")
	}
	sub := b.Handle("late_udf", func(msg *bus.Message) {
		b.Reply(msg, true)
	})
	defer sub.Unsubscribe()
	if d.Has("late_udf") {
		t.Fatal("endpoint visible before the next snapshot")
	}

	mock.Add(5 * time.Minute)
	deadline := time.Now().Add(time.Second)
	for !d.Has("late_udf") {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never refreshed")
		}
		time.Sleep(time.Millisecond)
	}
}
