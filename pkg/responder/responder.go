// Package responder runs the reply loop on top of the memory engine:
// recall a past answer, otherwise generate one, then remember the exchange.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"golang.org/x/sync/errgroup"
)

const DefaultFallbackReply = "I'm still learning. Can you tell me more?"

// Memory is the part of *memory.Engine the responder uses.
type Memory interface {
	RecallConversation(ctx context.Context, userID, message string) (memory.Recall, bool, error)
	StoreConversation(ctx context.Context, userID, message, response, convContext string, sentiment memory.Sentiment) (string, error)
}

type Config struct {
	Workers       int
	FallbackReply string
}

// Counters summarizes handled traffic.
type Counters struct {
	Handled   uint64
	Recalled  uint64
	Generated uint64
	Fallbacks uint64
}

type Responder struct {
	cfg    Config
	memory Memory
	gen    Generator
	bus    *bus.MessageBus

	handled   atomic.Uint64
	recalled  atomic.Uint64
	generated atomic.Uint64
	fallbacks atomic.Uint64
}

func New(cfg Config, mem Memory, gen Generator, mb *bus.MessageBus) (*Responder, error) {
	if mem == nil {
		return nil, errors.New("responder: memory is required")
	}
	if mb == nil {
		return nil, errors.New("responder: message bus is required")
	}
	if gen == nil {
		gen = EchoGenerator{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	return &Responder{cfg: cfg, memory: mem, gen: gen, bus: mb}, nil
}

// Run consumes inbound messages with cfg.Workers goroutines until ctx is
// cancelled or the bus is closed. Every inbound message gets exactly one
// outbound message; rejected ones carry Source SourceRejected and Error.
func (r *Responder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				msg, ok := r.bus.ConsumeInbound(gctx)
				if !ok {
					return nil
				}
				out, err := r.Handle(gctx, msg)
				if err != nil {
					logger.WarnCF("responder", "Message rejected", map[string]interface{}{
						"worker": worker,
						"id":     msg.ID,
						"error":  err.Error(),
					})
					out = bus.OutboundMessage{
						InReplyTo: msg.ID,
						Channel:   msg.Channel,
						ChatID:    msg.ChatID,
						Source:    bus.SourceRejected,
						Error:     err.Error(),
					}
				}
				r.bus.PublishOutbound(out)
			}
		})
	}
	logger.InfoCF("responder", "Responder started", map[string]interface{}{"workers": r.cfg.Workers})
	return g.Wait()
}

// Handle answers one message. It returns an error only when the message
// itself is unusable, e.g. it has no sender or content.
func (r *Responder) Handle(ctx context.Context, msg bus.InboundMessage) (bus.OutboundMessage, error) {
	out := bus.OutboundMessage{InReplyTo: msg.ID, Channel: msg.Channel, ChatID: msg.ChatID}

	rec, found, err := r.memory.RecallConversation(ctx, msg.SenderID, msg.Content)
	if err != nil {
		return bus.OutboundMessage{}, fmt.Errorf("recall: %w", err)
	}

	if found {
		out.Content, out.Source, out.Score = rec.Response, rec.Source, rec.Score
		r.recalled.Add(1)
	} else {
		out.Content, out.Source = r.generate(ctx, msg)
	}

	if _, err := r.memory.StoreConversation(ctx, msg.SenderID, msg.Content, out.Content, msg.Channel, memory.Sentiment(msg.Sentiment)); err != nil {
		logger.WarnCF("responder", "Exchange not remembered", map[string]interface{}{
			"id":    msg.ID,
			"error": err.Error(),
		})
	}
	r.handled.Add(1)

	logger.DebugCF("responder", "Reply ready", map[string]interface{}{
		"id":     msg.ID,
		"source": out.Source,
		"score":  out.Score,
	})
	return out, nil
}

func (r *Responder) generate(ctx context.Context, msg bus.InboundMessage) (string, string) {
	reply, err := r.gen.Generate(ctx, msg)
	if err != nil {
		logger.ErrorCF("responder", "Reply generation failed", map[string]interface{}{
			"id":    msg.ID,
			"error": err.Error(),
		})
	}
	if err != nil || strings.TrimSpace(reply) == "" {
		r.fallbacks.Add(1)
		return r.cfg.FallbackReply, bus.SourceFallback
	}
	r.generated.Add(1)
	return reply, bus.SourceGenerated
}

func (r *Responder) Counters() Counters {
	return Counters{
		Handled:   r.handled.Load(),
		Recalled:  r.recalled.Load(),
		Generated: r.generated.Load(),
		Fallbacks: r.fallbacks.Load(),
	}
}
