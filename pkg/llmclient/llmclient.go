// Package llmclient wraps google.golang.org/genai behind two narrow
// contracts: a chat call (system + user message in, a content string
// out) and an embedding call (strings in, float vectors out). Every
// phase-2/3.5/4 caller depends on these two methods only, never on the
// genai types directly.
package llmclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"
)

var (
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// CleanJSON strips common code-fence wrappers and trailing commas from
// an LLM chat response before a caller attempts json.Unmarshal. Every
// phase that parses a Chat response as JSON (Phase 2's analysis
// batches, Phase 3.5's enrichment descriptions) shares this one
// cleaning pass.
func CleanJSON(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return s
}

// Client is the chat + embedding client every phase that calls an LLM
// depends on.
type Client struct {
	client       *genai.Client
	chatModel    string
	embedModel   string
	embedDims    int32
	temperature  float32
}

// Config configures a new Client.
type Config struct {
	APIKey      string
	ChatModel   string // default "gemini-2.0-flash"
	EmbedModel  string // default "gemini-embedding-001"
	EmbedDims   int32  // default 768
	Temperature float32
}

// New constructs a Client. ctx is only used for the underlying SDK's
// client construction, not for any network call.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmclient: API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gemini-2.0-flash"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "gemini-embedding-001"
	}
	if cfg.EmbedDims == 0 {
		cfg.EmbedDims = 768
	}

	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("llmclient: create genai client: %w", err)
	}

	return &Client{
		client:      c,
		chatModel:   cfg.ChatModel,
		embedModel:  cfg.EmbedModel,
		embedDims:   cfg.EmbedDims,
		temperature: cfg.Temperature,
	}, nil
}

// Chat sends a system instruction plus a single user message and
// returns the concatenated text of the response. Callers parsing the
// result as JSON should run it through CleanJSON first; this client
// does not pre-clean the response.
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: float32Ptr(c.temperature),
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, "user")
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, "user")}

	resp, err := c.client.Models.GenerateContent(ctx, c.chatModel, contents, config)
	if err != nil {
		return "", fmt.Errorf("llmclient: generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("llmclient: no candidates returned")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

// Embed returns one float32 vector per input text, in order. Batches
// internally at genaiMaxBatch items per call; callers needing their own
// sub-batch size (vectorizer Phase 4 uses 50) should chunk before
// calling Embed, as the cost of a failed sub-batch should only lose
// that sub-batch's progress.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	const genaiMaxBatch = 100
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += genaiMaxBatch {
		end := min(start+genaiMaxBatch, len(texts))
		chunk, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("llmclient: embed chunk [%d:%d): %w", start, end, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, "user")
	}

	result, err := c.client.Models.EmbedContent(ctx, c.embedModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(c.embedDims),
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// EmbedDimensions returns the configured output vector length.
func (c *Client) EmbedDimensions() int {
	return int(c.embedDims)
}

func int32Ptr(i int32) *int32   { return &i }
func float32Ptr(f float32) *float32 { return &f }
