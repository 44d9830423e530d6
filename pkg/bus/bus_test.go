package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(4)
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg"}) {
			t.Fatalf("publish %d should fit in the buffer", i)
		}
	}

	if mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"}) {
		t.Fatalf("expected overflow publish to report a drop")
	}
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(0)
	defer mb.Close()

	if cap(mb.outbound) != DefaultBufferSize {
		t.Fatalf("expected default buffer size %d, got %d", DefaultBufferSize, cap(mb.outbound))
	}
	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_PublishInboundAssignsIDAndTime(t *testing.T) {
	mb := NewMessageBus(2)
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "cli", SenderID: "u", Content: "hello"})
	mb.PublishInbound(InboundMessage{ID: "fixed", Channel: "cli", SenderID: "u", Content: "again"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("expected first message")
	}
	if first.ID == "" || first.ReceivedAt.IsZero() {
		t.Fatalf("expected generated id and receive time, got %#v", first)
	}
	second, _ := mb.ConsumeInbound(ctx)
	if second.ID != "fixed" {
		t.Fatalf("expected caller id to be kept, got %q", second.ID)
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus(1)
	mb.Close()
	mb.Close()

	if mb.PublishInbound(InboundMessage{Content: "late"}) {
		t.Fatalf("expected publish on closed bus to fail")
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}
