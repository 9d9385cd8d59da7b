package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hession/vox/internal/archive"
	"github.com/hession/vox/internal/cli"
	"github.com/hession/vox/internal/config"
	"github.com/hession/vox/internal/engine"
	"github.com/hession/vox/internal/fantasy"
	"github.com/hession/vox/internal/history"
	"github.com/hession/vox/internal/index"
	"github.com/hession/vox/internal/llm"
	"github.com/hession/vox/internal/logger"
	"github.com/hession/vox/internal/server"
)

var (
	version = "0.1.0"
)

// services holds everything a running VOX needs.
type services struct {
	cfg       *config.Settings
	engine    *engine.Engine
	fantasies *fantasy.Store
	close     func()
}

// initServices loads config and wires the stores, capabilities and
// engine together.
func initServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		LogDir:     cfg.Log.Dir,
		Level:      logger.ParseLevel(cfg.Log.Level),
		MaxDays:    cfg.Log.MaxDays,
		ConsoleOut: cfg.Log.ConsoleOut,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	store, err := archive.NewStore(cfg.Archive.Path, cfg.MaxArchiveBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	idx, err := index.Open(cfg.RAG.IndexDBPath, cfg.RAG.EmbeddingDimension)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding index: %w", err)
	}
	hist, err := history.NewStore(cfg.Context.HistoryDBPath)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	fantasies, err := fantasy.NewStore(cfg.Fantasy.Dir)
	if err != nil {
		idx.Close()
		hist.Close()
		return nil, fmt.Errorf("failed to open fantasy store: %w", err)
	}

	client := llm.NewClient(llm.ClientConfig{
		BaseURL:    cfg.Model.BaseURL,
		APIKey:     cfg.Model.APIKey,
		Model:      cfg.Model.Model,
		Dimension:  cfg.RAG.EmbeddingDimension,
		Timeout:    time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Model.MaxRetries,
	})

	eng := engine.New(cfg, store, idx, hist, client, client)

	return &services{
		cfg:       cfg,
		engine:    eng,
		fantasies: fantasies,
		close: func() {
			hist.Close()
			idx.Close()
			logger.Close()
		},
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "vox",
		Short: "VOX - local chat with a bounded context and long-term memory",
		Long: `VOX keeps a conversation going past the model's context window.

The live window is kept under a token budget; older turns are archived
to compressed segments on disk, indexed by embedding, and retrieved
back into the prompt when they become relevant again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.close()
			return cli.Run(svc.engine, svc.cfg)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.close()
			return server.New(svc.cfg, svc.engine, svc.fantasies).ListenAndServe()
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Println(cfg.String())
			fmt.Printf("Config file path: %s\n", config.SettingsPath())
			return nil
		},
	}

	rebuildIndexCmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the embedding index from the archived segments",
		Long: `Drops every index entry and re-embeds all archived messages.
Use after deleting or corrupting the index database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.close()
			if err := svc.engine.RebuildIndex(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Index rebuilt from archive.")
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("VOX v%s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
