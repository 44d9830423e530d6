package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const maxTranscriptLine = 1 << 20

// transcriptLine is one exchange of a JSONL transcript.
type transcriptLine struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Response  string `json:"response"`
	Sentiment string `json:"sentiment"`
	Context   string `json:"context"`
}

type replaySummary struct {
	Lines   int
	Stored  int64
	Skipped int64
}

// conversationStorer is the part of the engine replay writes to.
type conversationStorer interface {
	StoreConversation(ctx context.Context, userID, message, response, convContext string, sentiment memory.Sentiment) (string, error)
}

func runReplay(cmd *cobra.Command, opts *globalOptions, path string, workers int) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		in = f
	}

	return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
		sum, err := replayTranscript(ctx, eng, in, workers)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Replayed %d lines: %d stored, %d skipped\n", sum.Lines, sum.Stored, sum.Skipped)
		return nil
	})
}

// replayTranscript stores every valid line of r using up to workers
// concurrent writers. Malformed or rejected lines are logged and skipped.
func replayTranscript(ctx context.Context, store conversationStorer, r io.Reader, workers int) (replaySummary, error) {
	if workers <= 0 {
		workers = 1
	}
	var (
		sum     replaySummary
		stored  atomic.Int64
		skipped atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		sum.Lines++
		lineNo := sum.Lines

		var line transcriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			skipped.Add(1)
			logger.WarnCF("cli", "Skipping malformed transcript line", map[string]interface{}{"line": lineNo, "error": err.Error()})
			continue
		}

		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sentiment, err := memory.ParseSentiment(line.Sentiment)
			if err == nil {
				_, err = store.StoreConversation(gctx, line.UserID, line.Message, line.Response, line.Context, sentiment)
			}
			if err != nil {
				skipped.Add(1)
				logger.WarnCF("cli", "Skipping transcript line", map[string]interface{}{"line": lineNo, "error": err.Error()})
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	scanErr := scanner.Err()
	if err := g.Wait(); err != nil {
		return replaySummary{}, err
	}
	if scanErr != nil {
		return replaySummary{}, fmt.Errorf("read transcript: %w", scanErr)
	}
	if err := ctx.Err(); err != nil {
		return replaySummary{}, err
	}

	sum.Stored = stored.Load()
	sum.Skipped = skipped.Load()
	return sum, nil
}
