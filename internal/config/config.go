// Package config loads runtime settings from the environment and carries
// them as one immutable value through the rest of the program.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Error reports invalid or missing configuration.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

// Config holds every tunable the pipeline needs. Built once at startup and
// passed into each component at construction; nothing reads the environment
// at call time.
type Config struct {
	APIKey     string
	EmbedModel string
	ChatModel  string

	// EmbedDim is the dimensionality the embedding service is expected to
	// return. Vectors of any other length are rejected.
	EmbedDim int

	// Chunk geometry, in runes. Overlap must be smaller than Size.
	ChunkSize    int
	ChunkOverlap int

	BatchSize    int
	EmbedWorkers int
	IndexTrees   int

	TopK        int
	MaxTopK     int
	Temperature float32

	DataDir   string
	CorpusDir string
}

// Load reads configuration from the environment, consulting a .env file if
// one is present. It validates chunk geometry but not the API key: commands
// that never talk to the network can run without a credential.
func Load() (Config, error) {
	// Best effort; a missing .env just means plain environment variables.
	_ = godotenv.Load()

	cfg := Config{
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		EmbedModel:  envString("EMBED_MODEL", "text-embedding-3-small"),
		ChatModel:   envString("CHAT_MODEL", "gpt-4o-mini"),
		DataDir:     envString("DATA_DIR", "data"),
		CorpusDir:   envString("CORPUS_DIR", "corpus"),
		Temperature: 0.6,
	}

	var err error
	if cfg.EmbedDim, err = envInt("EMBED_DIM", 1536); err != nil {
		return Config{}, err
	}
	if cfg.ChunkSize, err = envInt("CHUNK_SIZE", 320); err != nil {
		return Config{}, err
	}
	if cfg.ChunkOverlap, err = envInt("CHUNK_OVERLAP", 60); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("EMBED_BATCH_SIZE", 32); err != nil {
		return Config{}, err
	}
	if cfg.EmbedWorkers, err = envInt("EMBED_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.IndexTrees, err = envInt("INDEX_TREES", 50); err != nil {
		return Config{}, err
	}
	if cfg.TopK, err = envInt("TOP_K", 6); err != nil {
		return Config{}, err
	}
	if cfg.MaxTopK, err = envInt("TOP_K_MAX", 24); err != nil {
		return Config{}, err
	}
	if t := os.Getenv("CHAT_TEMPERATURE"); t != "" {
		f, err := strconv.ParseFloat(t, 32)
		if err != nil {
			return Config{}, &Error{Msg: fmt.Sprintf("CHAT_TEMPERATURE: %q is not a number", t)}
		}
		cfg.Temperature = float32(f)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return &Error{Msg: fmt.Sprintf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)}
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return &Error{Msg: fmt.Sprintf("CHUNK_OVERLAP (%d) must be non-negative and smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)}
	}
	if c.EmbedDim <= 0 {
		return &Error{Msg: fmt.Sprintf("EMBED_DIM must be positive, got %d", c.EmbedDim)}
	}
	if c.BatchSize <= 0 {
		return &Error{Msg: fmt.Sprintf("EMBED_BATCH_SIZE must be positive, got %d", c.BatchSize)}
	}
	if c.TopK <= 0 || c.TopK > c.MaxTopK {
		return &Error{Msg: fmt.Sprintf("TOP_K (%d) must be in 1..%d", c.TopK, c.MaxTopK)}
	}
	return nil
}

// EnsureAPIKey returns the credential or an error explaining how to set it.
func (c Config) EnsureAPIKey() (string, error) {
	if c.APIKey == "" {
		return "", &Error{Msg: "OPENAI_API_KEY is not set; create a .env file or export the variable"}
	}
	return c.APIKey, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Msg: fmt.Sprintf("%s: %q is not an integer", key, v)}
	}
	return n, nil
}
