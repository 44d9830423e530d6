package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/responder"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	teachCommand     = "/teach"
	chatReplyTimeout = 30 * time.Second
)

// chatSession is one local conversation between a user and the memory engine.
// Lines travel over the message bus and are answered by the responder workers.
type chatSession struct {
	eng       *memory.Engine
	responder *responder.Responder
	mb        *bus.MessageBus
	user      string
	out       io.Writer

	lastMessage string

	cancel context.CancelFunc
	done   chan error
}

// startChatSession runs r's workers in the background until stop is called.
func startChatSession(ctx context.Context, eng *memory.Engine, r *responder.Responder, mb *bus.MessageBus, user string, out io.Writer) *chatSession {
	runCtx, cancel := context.WithCancel(ctx)
	s := &chatSession{
		eng:       eng,
		responder: r,
		mb:        mb,
		user:      user,
		out:       out,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { s.done <- r.Run(runCtx) }()
	return s
}

func (s *chatSession) stop() {
	s.cancel()
	if err := <-s.done; err != nil && err != context.Canceled {
		logger.WarnCF("cli", "Responder stopped with error", map[string]interface{}{"error": err.Error()})
	}
}

func runChat(cmd *cobra.Command, opts *globalOptions, user string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	eng, err := openEngine(cfg, false, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	gen, err := responder.NewGenerator(cfg.Responder.Generator, cfg.Responder.StaticReply)
	if err != nil {
		return err
	}
	mb := bus.NewMessageBus(cfg.Responder.BufferSize)
	defer mb.Close()
	r, err := responder.New(responder.Config{
		Workers:       cfg.Responder.Workers,
		FallbackReply: cfg.Responder.FallbackReply,
	}, eng, gen, mb)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s := startChatSession(ctx, eng, r, mb, user, cmd.OutOrStdout())
	defer s.stop()

	fmt.Fprintf(s.out, "%s Interactive mode (Ctrl+C to exit)\n\n", appName)
	s.interactive(ctx, cmd.InOrStdin())
	return nil
}

// ask publishes content and waits for the reply addressed to it.
func (s *chatSession) ask(ctx context.Context, content string) (bus.OutboundMessage, error) {
	msg := bus.InboundMessage{
		ID:       uuid.NewString(),
		Channel:  "cli",
		ChatID:   s.user,
		SenderID: s.user,
		Content:  content,
	}
	if !s.mb.PublishInbound(msg) {
		return bus.OutboundMessage{}, fmt.Errorf("message bus is not accepting messages")
	}

	waitCtx, cancel := context.WithTimeout(ctx, chatReplyTimeout)
	defer cancel()
	for {
		out, ok := s.mb.SubscribeOutbound(waitCtx)
		if !ok {
			if err := waitCtx.Err(); err != nil {
				return bus.OutboundMessage{}, fmt.Errorf("no reply: %w", err)
			}
			return bus.OutboundMessage{}, fmt.Errorf("no reply: message bus closed")
		}
		if out.InReplyTo != msg.ID {
			continue
		}
		if out.Source == bus.SourceRejected {
			return bus.OutboundMessage{}, fmt.Errorf("%s", out.Error)
		}
		return out, nil
	}
}

func (s *chatSession) interactive(ctx context.Context, in io.Reader) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotmemory_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          s.out,
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(s.out, "Falling back to simple input mode...")
		s.simple(ctx, in)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if s.handleLine(ctx, line) {
			return
		}
	}
}

func (s *chatSession) simple(ctx context.Context, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(s.out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if !s.handleLine(ctx, line) {
					fmt.Fprintln(s.out, "\nGoodbye!")
				}
				return
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			return
		}
		if s.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine processes one input line and reports whether the session ended.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return false
	case input == "exit" || input == "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case input == "/stats":
		c := s.responder.Counters()
		fmt.Fprintf(s.out, "handled %d, recalled %d, generated %d, fallbacks %d\n", c.Handled, c.Recalled, c.Generated, c.Fallbacks)
		return false
	case input == teachCommand || strings.HasPrefix(input, teachCommand+" "):
		s.teach(ctx, strings.TrimSpace(strings.TrimPrefix(input, teachCommand)))
		return false
	}

	out, err := s.ask(ctx, input)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return false
	}
	s.lastMessage = input
	fmt.Fprintf(s.out, "\n%s %s\n", appName, out.Content)
	if out.Source == bus.SourceCache || out.Source == bus.SourceStore {
		fmt.Fprintf(s.out, "  (remembered from %s, score %.2f)\n\n", out.Source, out.Score)
	} else {
		fmt.Fprintf(s.out, "  (%s, use /teach <reply> to correct)\n\n", out.Source)
	}
	return false
}

// teach stores reply for the previous message so the next similar message
// recalls it instead of the earlier answer.
func (s *chatSession) teach(ctx context.Context, reply string) {
	if s.lastMessage == "" {
		fmt.Fprintln(s.out, "Nothing to teach yet. Say something first.")
		return
	}
	if reply == "" {
		fmt.Fprintf(s.out, "Usage: %s <reply>\n", teachCommand)
		return
	}
	if _, err := s.eng.StoreConversation(ctx, s.user, s.lastMessage, reply, "teach", memory.SentimentPositive); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "✓ Learned a new reply for %q\n", s.lastMessage)
}
