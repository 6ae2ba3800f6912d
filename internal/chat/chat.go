// Package chat blends retrieved passages with chat-model completions. The
// persona answers as a companion to the corpus, citing volume and page in
// plain language.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"corpora/internal/config"
	"corpora/internal/retriever"
)

const systemPrompt = `You are a calm, empathetic companion representing the scholarship of Dr. B. R. Ambedkar.
Speak in clear, accessible English while staying faithful to the cited writings. Meet disagreement
with patience, curiosity, and constructive reasoning. Encourage nuanced dialogue and invite learners
into the material rather than dismissing other viewpoints. Avoid moralizing; guide with context,
logic, historical detail, and compassion.`

const citationInstruction = "You have access to excerpts from Dr. Ambedkar's writings. Cite them naturally in plain language " +
	"using the volume file name and page number when they inform your answer."

const (
	maxRetries = 5
	maxBackoff = 30 * time.Second
	// previewLimit truncates context passages shown to the model.
	previewLimit = 550
)

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// Client generates grounded answers via the chat completions API.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// New creates a chat client from the configuration. The API key is required.
func New(cfg config.Config) (*Client, error) {
	key, err := cfg.EnsureAPIKey()
	if err != nil {
		return nil, err
	}
	return &Client{
		api:         openai.NewClient(key),
		model:       cfg.ChatModel,
		temperature: cfg.Temperature,
	}, nil
}

// NewWithBaseURL targets an alternate endpoint, e.g. a test server.
func NewWithBaseURL(cfg config.Config, baseURL string) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       cfg.ChatModel,
		temperature: cfg.Temperature,
	}
}

// Answer produces a reply to question grounded in the retrieved contexts,
// retrying rate-limited completions with backoff.
func (c *Client) Answer(ctx context.Context, question string, contexts []retriever.Result, history []Message) (string, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: citationInstruction},
	}
	for _, h := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: h.Role, Content: h.Content})
	}

	userPrompt := FormatContext(contexts) + "\n\n" +
		"Conversation partner: " + question + "\n\n" +
		"Craft a thoughtful reply that references the context when relevant, acknowledges the user's perspective, " +
		"and suggests concrete ways to explore Ambedkar's work further."
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			if delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: c.temperature,
			Messages:    msgs,
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500) {
				lastErr = err
				continue
			}
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("chat completion after %d retries: %w", maxRetries, lastErr)
}

// FormatContext renders retrieved passages as a prompt block, highest
// relevance first.
func FormatContext(contexts []retriever.Result) string {
	if len(contexts) == 0 {
		return "Context: (no supporting passages retrieved)"
	}
	var b strings.Builder
	b.WriteString("Context passages (highest relevance first):")
	for i, r := range contexts {
		preview := truncateAtWord(strings.TrimSpace(r.Text), previewLimit)
		fmt.Fprintf(&b, "\n%d. Volume: %s, page %d | Score: %.2f\n   %s", i+1, r.Volume, r.Page, r.Score, preview)
	}
	return b.String()
}

// truncateAtWord shortens s to at most limit runes, cutting at the last
// space so no word is split.
func truncateAtWord(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + " …"
}
