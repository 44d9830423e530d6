package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand()
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "dotmemory",
		Short: "Conversational memory engine: recall, knowledge, patterns and retention",
		Long: strings.TrimSpace(`dotmemory remembers what users said and how the bot answered.

Use CLI commands to inspect and maintain the memory database, chat against it
locally, replay transcripts into it, and run the retention daemon.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.dotmemory/config.json, or $DOTMEMORY_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newBackupCommand(opts))
	root.AddCommand(newCleanupCommand(opts))
	root.AddCommand(newRecallCommand(opts))
	root.AddCommand(newStoreCommand(opts))
	root.AddCommand(newKnowledgeCommand(opts))
	root.AddCommand(newPatternsCommand(opts))
	root.AddCommand(newProfileCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newReplayCommand(opts))
	root.AddCommand(newDaemonCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withEngine opens a short-lived engine for one command.
func (o *globalOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *memory.Engine) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	eng, err := openEngine(cfg, false, nil)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(cmd.Context(), eng)
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show memory database statistics",
		Example: "  dotmemory stats\n  dotmemory stats --json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				st, err := eng.GetMemoryStats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Conversations:\t%d\n", st.TotalConversations)
				fmt.Fprintf(tw, "Unique users:\t%d\n", st.UniqueUsers)
				fmt.Fprintf(tw, "Knowledge items:\t%d\n", st.KnowledgeItems)
				fmt.Fprintf(tw, "Unique topics:\t%d\n", st.UniqueTopics)
				fmt.Fprintf(tw, "Patterns:\t%d\n", st.Patterns)
				fmt.Fprintf(tw, "Last 24h:\t%d\n", st.ConversationsToday)
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

func newBackupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "backup [destination]",
		Short:   "Snapshot the memory database",
		Long:    "Write a consistent copy of the memory database. Without a destination the copy goes to <workspace>/backups with a timestamped name. Existing files are never overwritten.",
		Example: "  dotmemory backup\n  dotmemory backup /tmp/memory.db",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				path, err := eng.BackupMemory(ctx, dest)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup written to %s\n", path)
				return nil
			})
		},
	}
}

func newCleanupCommand(opts *globalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:     "cleanup",
		Short:   "Delete stale, low-value memories",
		Long:    "Delete conversations never recalled, low-confidence knowledge and rare patterns older than the given number of days.",
		Example: "  dotmemory cleanup\n  dotmemory cleanup --days 7",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				if days == 0 {
					days = eng.Config().RetentionDays
				}
				res, err := eng.CleanupOldMemories(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d records older than %d days (conversations: %d, knowledge: %d, patterns: %d)\n",
					res.Total(), days, res.ConversationsDeleted, res.KnowledgeDeleted, res.PatternsDeleted)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Age threshold in days (default from retention.days)")
	return cmd
}

func newRecallCommand(opts *globalOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "recall MESSAGE...",
		Short:   "Look up a remembered response for a message",
		Example: "  dotmemory recall --user 42 how are you",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				rec, found, err := eng.RecallConversation(ctx, user, message)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(cmd.OutOrStdout(), "No similar conversation remembered.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n(source: %s, score: %.2f, id: %s)\n", rec.Response, rec.Source, rec.Score, rec.RecordID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newStoreCommand(opts *globalOptions) *cobra.Command {
	var (
		user      string
		response  string
		sentiment string
		convCtx   string
	)

	cmd := &cobra.Command{
		Use:     "store MESSAGE...",
		Short:   "Remember a message and its response",
		Example: "  dotmemory store --user 42 --response \"I'm fine\" how are you",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			s, err := memory.ParseSentiment(sentiment)
			if err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				id, err := eng.StoreConversation(ctx, user, message, response, convCtx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored conversation %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (required)")
	cmd.Flags().StringVarP(&response, "response", "r", "", "Response to remember (required)")
	cmd.Flags().StringVar(&sentiment, "sentiment", "neutral", "Sentiment: positive, negative or neutral")
	cmd.Flags().StringVar(&convCtx, "context", "", "Free-form context label")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func newKnowledgeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage topic knowledge",
		Example: strings.Join([]string{
			"  dotmemory knowledge add weather \"It rains a lot in Sylhet\" --confidence 0.9",
			"  dotmemory knowledge get weather",
		}, "\n"),
	}

	var (
		source     string
		confidence float64
	)
	add := &cobra.Command{
		Use:   "add TOPIC CONTENT",
		Short: "Add or reinforce a knowledge item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				id, err := eng.StoreKnowledge(ctx, args[0], args[1], source, confidence)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored knowledge %s\n", id)
				return nil
			})
		},
	}
	add.Flags().StringVar(&source, "source", memory.DefaultKnowledgeSource, "Where the fact came from")
	add.Flags().Float64Var(&confidence, "confidence", 0.8, "Confidence in [0,1]")

	var minConfidence float64
	get := &cobra.Command{
		Use:   "get TOPIC",
		Short: "List knowledge whose topic contains TOPIC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				items, err := eng.GetKnowledge(ctx, args[0], minConfidence)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No knowledge found.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TOPIC\tCONFIDENCE\tUSES\tCONTENT")
				for _, it := range items {
					fmt.Fprintf(tw, "%s\t%.2f\t%d\t%s\n", it.Topic, it.Confidence, it.UseCount, it.Content)
				}
				return tw.Flush()
			})
		},
	}
	get.Flags().Float64Var(&minConfidence, "min-confidence", 0.5, "Minimum confidence in [0,1]")

	cmd.AddCommand(add, get)
	return cmd
}

func newPatternsCommand(opts *globalOptions) *cobra.Command {
	var (
		limit int
		user  string
	)

	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Show frequent message trigrams, or a user's repeated exchanges",
		Example: strings.Join([]string{
			"  dotmemory patterns --limit 10",
			"  dotmemory patterns --user 42",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				if user != "" {
					pats, err := eng.GetUserPatterns(ctx, user)
					if err != nil {
						return err
					}
					fmt.Fprintln(tw, "COUNT\tMESSAGE\tRESPONSE")
					for _, p := range pats {
						fmt.Fprintf(tw, "%d\t%s\t%s\n", p.Frequency, p.Message, p.Response)
					}
					return tw.Flush()
				}
				pats, err := eng.TopPatterns(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "COUNT\tPATTERN\tLAST SEEN")
				for _, p := range pats {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", p.Frequency, p.PatternText, p.LastSeen.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum patterns to list")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Show repeated exchanges of this user instead")
	return cmd
}

func newProfileCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "profile USER",
		Short:   "Show a user's interaction profile",
		Example: "  dotmemory profile 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *memory.Engine) error {
				p, err := eng.GetUserProfile(ctx, args[0])
				if errors.Is(err, memory.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "No interactions recorded for %s.\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				breakdown := memory.SentimentBreakdown(p)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "User: %s\n", p.UserID)
				fmt.Fprintf(out, "Interactions: %d\n", p.InteractionCount)
				fmt.Fprintf(out, "Last interaction: %s\n", p.LastInteraction.Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "Sentiment: %d positive, %d neutral, %d negative\n",
					breakdown[memory.SentimentPositive], breakdown[memory.SentimentNeutral], breakdown[memory.SentimentNegative])
				return nil
			})
		},
	}
}

func newChatCommand(opts *globalOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat locally against the memory engine",
		Long:  "Start an interactive session. Replies come from memory when a similar message was seen before, otherwise from the configured generator. Type /teach <reply> to replace the last reply, /stats for counters, exit to quit.",
		Example: strings.Join([]string{
			"  dotmemory chat",
			"  dotmemory chat --user alice",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, user)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "User id for this session")
	return cmd
}

func newReplayCommand(opts *globalOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Import a JSONL transcript into memory",
		Long:  "Store every {\"user_id\",\"message\",\"response\",\"sentiment\"} line of FILE as a conversation. Use - for stdin.",
		Example: strings.Join([]string{
			"  dotmemory replay chats.jsonl",
			"  cat chats.jsonl | dotmemory replay - --workers 8",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0], workers)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent store workers")
	return cmd
}

func newDaemonCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		Short:   "Run scheduled retention and the metrics endpoint",
		Long:    "Keep the memory engine open, sweep stale memories on the retention schedule and serve Prometheus metrics when enabled. Stops on SIGINT or SIGTERM.",
		Example: "  dotmemory daemon --debug",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Example: "  dotmemory version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
