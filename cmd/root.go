package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"corpora/internal/chat"
	"corpora/internal/config"
	"corpora/internal/embedder"
	"corpora/internal/retriever"
	"corpora/internal/snapshot"
	"corpora/internal/tui"
)

var (
	flagDataDir   string
	flagCorpusDir string
)

var rootCmd = &cobra.Command{
	Use:   "corpora",
	Short: "Chat with a document corpus, grounded in literal citations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChatTUI()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data", "", "data directory (default $DATA_DIR or ./data)")
	rootCmd.PersistentFlags().StringVar(&flagCorpusDir, "corpus", "", "corpus directory (default $CORPUS_DIR or ./corpus)")
}

// loadConfig builds the configuration, letting flags override the
// environment.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagCorpusDir != "" {
		cfg.CorpusDir = flagCorpusDir
	}
	return cfg, nil
}

// openRetriever loads the current snapshot and builds the query stack used
// by the chat, REPL, and MCP surfaces.
func openRetriever(cfg config.Config) (*snapshot.Snapshot, *retriever.Retriever, error) {
	snap, err := snapshot.Open(cfg.DataDir)
	if err != nil {
		if err == snapshot.ErrNoSnapshot {
			return nil, nil, fmt.Errorf("no index found under %s\nRun 'corpora ingest' first to build one", cfg.DataDir)
		}
		return nil, nil, err
	}
	emb, err := embedder.New(cfg)
	if err != nil {
		snap.Close()
		return nil, nil, err
	}
	return snap, retriever.New(snap, emb, cfg.MaxTopK), nil
}

func runChatTUI() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, ret, err := openRetriever(cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	chatClient, err := chat.New(cfg)
	if err != nil {
		return err
	}

	return tui.Run(tui.Config{
		Retriever: ret,
		Chat:      chatClient,
		TopK:      cfg.TopK,
	})
}
