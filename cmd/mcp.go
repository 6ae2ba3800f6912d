package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"corpora/internal/retriever"
	"corpora/internal/snapshot"
	"corpora/internal/store"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing corpus retrieval tools",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, ret, err := openRetriever(cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	s := mcpserver.NewMCPServer("corpora", "1.0.0", mcpserver.WithToolCapabilities(false))

	s.AddTool(searchCorpusTool(cfg.MaxTopK), makeSearchHandler(ret, cfg.TopK))
	s.AddTool(getPassageTool(), makePassageHandler(snap.Store))
	s.AddTool(corpusInfoTool(), makeInfoHandler(snap))

	return mcpserver.ServeStdio(s)
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// --- Tool schema builders ---

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func searchCorpusTool(maxK int) mcp.Tool {
	return mcp.NewTool("search_corpus",
		mcp.WithDescription("Semantically search the indexed writings. Returns the most relevant passages with volume and page citations."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language query to search the corpus"),
		),
		mcp.WithNumber("k",
			mcp.Description(fmt.Sprintf("Number of passages to return (1-%d)", maxK)),
		),
	)
}

func getPassageTool() mcp.Tool {
	return mcp.NewTool("get_passage",
		mcp.WithDescription("Fetch the full text and citation of a single passage by its chunk id."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("chunk_id",
			mcp.Required(),
			mcp.Description("Chunk id as returned by search_corpus"),
		),
	)
}

func corpusInfoTool() mcp.Tool {
	return mcp.NewTool("corpus_info",
		mcp.WithDescription("Report the current snapshot version, passage count, and build metadata."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

// --- Handler factories ---

func makeSearchHandler(ret *retriever.Retriever, defaultK int) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		if query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		k := req.GetInt("k", defaultK)

		results, err := ret.Retrieve(ctx, query, k)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatResults(query, results)), nil
	}
}

func makePassageHandler(st *store.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("chunk_id", "")
		if id == "" {
			return mcp.NewToolResultError("chunk_id is required"), nil
		}
		rec, ok, err := st.Get(id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("passage %q not found — use search_corpus to discover ids", id)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("## %s\n\n**Volume:** %s  \n**Page:** %d\n\n%s",
			rec.ChunkID, rec.Volume, rec.Page, rec.Text)), nil
	}
}

func makeInfoHandler(snap *snapshot.Snapshot) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		count, err := snap.Store.Count()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("count failed: %v", err)), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "## Corpus snapshot %s\n\n", snapshot.VersionName(snap.Version))
		fmt.Fprintf(&sb, "- **Passages:** %d\n", count)
		for _, key := range []string{store.MetaEmbedModel, store.MetaDimension, store.MetaBuiltAt} {
			value, err := snap.Store.GetMeta(key)
			if err == nil && value != "" {
				fmt.Fprintf(&sb, "- **%s:** %s\n", key, value)
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// --- Formatting helpers ---

func formatResults(query string, results []retriever.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No passages found for query: %q", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Passages for %q (%d)\n\n", query, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "### Passage %d: `%s`\n\n", i+1, r.ChunkID)
		fmt.Fprintf(&sb, "**Volume:** %s  \n**Page:** %d  \n**Score:** %.2f\n\n", r.Volume, r.Page, r.Score)
		fmt.Fprintf(&sb, "> %s\n\n", r.Text)
	}
	return sb.String()
}
