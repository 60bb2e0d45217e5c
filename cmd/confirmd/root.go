package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confirmbot/confirmd/internal/chat"
	"github.com/confirmbot/confirmd/internal/config"
	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/extract"
	"github.com/confirmbot/confirmd/internal/gmail"
	"github.com/confirmbot/confirmd/internal/inbox"
	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/orchestrator"
	"github.com/confirmbot/confirmd/internal/pdftext"
	"github.com/confirmbot/confirmd/internal/poller"
	"github.com/confirmbot/confirmd/internal/retrieval"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/storage/sqlite"
	"github.com/confirmbot/confirmd/internal/tracker"
)

var (
	flagVerbose bool
	flagQuiet   bool
	flagDB      string
)

var rootCmd = &cobra.Command{
	Use:   "confirmd",
	Short: "PO confirmation case engine",
	Long: `confirmd chases supplier confirmations for purchase-order lines:
it searches the mail account for replies, content-addresses PDF evidence,
parses confirmation fields, and drives each case through its state machine.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(flagVerbose)
		debug.SetQuiet(flagQuiet)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides CONFIRMD_DB)")
}

// engine holds everything a subcommand needs, wired once.
type engine struct {
	cfg    *config.Config
	store  storage.Storage
	track  *tracker.Tracker
	orch   *orchestrator.Orchestrator
	poll   *poller.Poller
	chat   *chat.Chat
}

// buildEngine loads config, opens the store, and wires the pipeline. The
// mail provider is Gmail when credentials are configured; commands that only
// touch local state work without it.
func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// One-shot cleanup of legacy duplicate attachments at boot.
	if stats, err := store.CleanupDuplicateAttachments(ctx); err != nil {
		debug.Logf("attachment cleanup failed: %v\n", err)
	} else if stats.Deleted > 0 {
		debug.PrintNormal("attachment cleanup: folded %d duplicate(s) in %d group(s)\n", stats.Deleted, stats.Groups)
	}

	provider, err := buildProvider(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	track := tracker.New(store, nil)
	searcher := inbox.NewSearcher(provider, store, cfg.BuyerEmail, nil)
	retriever := retrieval.New(provider, store, pdftext.NewPDFCPU())

	var llm *extract.LLMFallback
	if cfg.AnthropicAPIKey != "" {
		llm, err = extract.NewLLMFallback(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, err
		}
	}

	orch := orchestrator.New(store, track, searcher, retriever, provider, llm, orchestrator.Config{
		BuyerEmail:    cfg.BuyerEmail,
		DemoMode:      cfg.DemoMode,
		DemoRecipient: cfg.DemoRecipient,
	}, nil)

	poll := poller.New(store, track, searcher, retriever, nil)

	var chatDriver *chat.Chat
	if cfg.AnthropicAPIKey != "" {
		chatDriver, err = chat.New(cfg.AnthropicAPIKey, &chat.Engine{Store: store, Orch: orch})
		if err != nil {
			return nil, err
		}
	}

	return &engine{cfg: cfg, store: store, track: track, orch: orch, poll: poll, chat: chatDriver}, nil
}

func buildProvider(ctx context.Context, cfg *config.Config, store storage.Storage) (mail.Provider, error) {
	if cfg.GmailClientID == "" || cfg.GmailClientSecret == "" {
		debug.Logf("gmail credentials not configured, using inert fake provider\n")
		return mailfakeProvider(), nil
	}
	var backend gmail.TokenBackend
	switch cfg.TokenStore {
	case "file":
		backend = &gmail.FileBackend{Path: cfg.TokenStorePath}
	default:
		backend = &gmail.StoreBackend{Store: store}
	}
	ts := gmail.NewTokenSource(cfg.GmailClientID, cfg.GmailClientSecret, cfg.GmailRedirectURL, backend)
	client, err := gmail.NewClient(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to build gmail client: %w", err)
	}
	return client, nil
}

func mailfakeProvider() mail.Provider {
	return mail.NewFake()
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		debug.Logf("failed to close store: %v\n", err)
	}
}
