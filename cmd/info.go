package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"corpora/internal/snapshot"
	"corpora/internal/store"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the status of the persisted index, metadata, and manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		version, err := snapshot.CurrentVersion(cfg.DataDir)
		if err != nil {
			if err == snapshot.ErrNoSnapshot {
				fmt.Printf("No snapshot published under %s\n", cfg.DataDir)
				return nil
			}
			return err
		}
		dir := filepath.Join(cfg.DataDir, snapshot.VersionName(version))
		fmt.Printf("Current snapshot: %s\n\n", snapshot.VersionName(version))

		artefacts := []struct {
			name string
			file string
		}{
			{"Index", snapshot.IndexFile},
			{"Metadata", snapshot.MetadataFile},
			{"Manifest", snapshot.ManifestFile},
		}
		for _, a := range artefacts {
			path := filepath.Join(dir, a.file)
			info, err := os.Stat(path)
			if err != nil {
				fmt.Printf("%-10s | missing  |\n", a.name)
				continue
			}
			fmt.Printf("%-10s | present  | %.1f KiB\n", a.name, float64(info.Size())/1024)
		}

		st, err := store.Open(filepath.Join(dir, snapshot.MetadataFile))
		if err != nil {
			return err
		}
		defer st.Close()

		count, err := st.Count()
		if err != nil {
			return err
		}
		fmt.Printf("\nChunks: %d\n", count)
		for _, key := range []string{
			store.MetaEmbedModel, store.MetaDimension, store.MetaChunkSize,
			store.MetaChunkOverlap, store.MetaBuildCount, store.MetaBuiltAt,
		} {
			value, err := st.GetMeta(key)
			if err != nil {
				return err
			}
			if value != "" {
				fmt.Printf("%s: %s\n", key, value)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
