package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
)

// Generator produces a reply when nothing similar has been said before.
type Generator interface {
	Generate(ctx context.Context, msg bus.InboundMessage) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, msg bus.InboundMessage) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, msg bus.InboundMessage) (string, error) {
	return f(ctx, msg)
}

// EchoGenerator repeats the message back.
type EchoGenerator struct{}

func (EchoGenerator) Generate(_ context.Context, msg bus.InboundMessage) (string, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", nil
	}
	return fmt.Sprintf("You said: %s", content), nil
}

// StaticGenerator always answers with Reply.
type StaticGenerator struct {
	Reply string
}

func (g StaticGenerator) Generate(context.Context, bus.InboundMessage) (string, error) {
	return g.Reply, nil
}

// NewGenerator builds a generator by name: "echo" or "static".
func NewGenerator(name, staticReply string) (Generator, error) {
	switch name {
	case "", "echo":
		return EchoGenerator{}, nil
	case "static":
		return StaticGenerator{Reply: staticReply}, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", name)
	}
}
