package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kataras/golog"
	"github.com/spf13/cobra"

	"corpora/internal/embedder"
	"corpora/internal/extract"
	"corpora/internal/ingest"
)

var flagFull bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Chunk the corpus, embed new content, and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		emb, err := embedder.New(cfg)
		if err != nil {
			return err
		}

		logger := golog.New()
		mgr := ingest.NewManager(cfg, extract.NewTextExtractor(), emb, logger)
		mgr.SetProgress(func(stage string, done, total int) {
			if total > 0 && done == total {
				logger.Infof("%s: %d/%d", stage, done, total)
			}
		})

		start := time.Now()
		stats, err := mgr.Run(context.Background(), flagFull)
		if err != nil {
			return err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if !stats.Rebuilt {
			fmt.Printf("Corpus unchanged; snapshot v%06d stays current (%s)\n", stats.Version, elapsed)
			return nil
		}
		fmt.Printf("Done in %s\n", elapsed)
		fmt.Printf("  Documents: %d\n", stats.Documents)
		fmt.Printf("  Chunks:    %d total, %d embedded, %d reused\n",
			stats.ChunksTotal, stats.ChunksEmbedded, stats.ChunksReused)
		fmt.Printf("  Snapshot:  v%06d\n", stats.Version)
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&flagFull, "full", false, "discard prior state and re-embed everything")
	rootCmd.AddCommand(ingestCmd)
}
