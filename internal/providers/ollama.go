package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// OllamaBaseURL resolves the Ollama host the same way the original's
// ollama_utils.ollama_base_url does: OLLAMA_HOST env var, else the local
// default.
func OllamaBaseURL(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:11434"
}

// OllamaEmbedder embeds text via Ollama's local /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewOllamaEmbedder builds an embedder against model, discovering its
// dimension lazily on first Embed call (Ollama has no dimension-query
// endpoint, so the router's DimensionMismatch check is the actual guard).
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL: OllamaBaseURL(baseURL),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Name() string  { return "ollama" }
func (e *OllamaEmbedder) Model() string { return e.model }
func (e *OllamaEmbedder) Dimension() int { return e.dim }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed failed (model=%s): HTTP %d", e.model, resp.StatusCode)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed returned no vectors")
	}
	e.dim = len(out.Embeddings[0])
	return out.Embeddings[0], nil
}

// OllamaSummarizer summarizes via Ollama's /api/chat endpoint, matching
// the original's OllamaSummarization request/response shape and preamble
// stripping.
type OllamaSummarizer struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaSummarizer builds a summarizer against model.
func NewOllamaSummarizer(baseURL, model string) *OllamaSummarizer {
	return &OllamaSummarizer{
		baseURL: OllamaBaseURL(baseURL),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

const maxSummarizeInput = 50000

// Summarize implements Summarizer.
func (s *OllamaSummarizer) Summarize(ctx context.Context, content, systemPrompt string) (string, error) {
	truncated := content
	if len(truncated) > maxSummarizeInput {
		truncated = truncated[:maxSummarizeInput]
	}
	out, err := s.chat(ctx, systemPrompt, truncated)
	if err != nil {
		return "", err
	}
	return stripSummaryPreamble(out), nil
}

func (s *OllamaSummarizer) chat(ctx context.Context, system, user string) (string, error) {
	reqBody := ollamaChatRequest{
		Model: s.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama chat failed (model=%s): HTTP %d", s.model, resp.StatusCode)
	}
	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Message.Content), nil
}

var summaryPreambles = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^here is a summary[^:]*[:.]\s*`),
	regexp.MustCompile(`(?i)^here is a concise summary[^:]*:\s*`),
	regexp.MustCompile(`(?i)^here is the summary[^:]*:\s*`),
	regexp.MustCompile(`(?i)^here's a summary[^:]*:\s*`),
	regexp.MustCompile(`(?i)^summary:\s*`),
	regexp.MustCompile(`(?i)^the document describes\s+`),
	regexp.MustCompile(`(?i)^this document describes\s+`),
	regexp.MustCompile(`(?i)^the document covers\s+`),
	regexp.MustCompile(`(?i)^this document covers\s+`),
	regexp.MustCompile(`(?i)^the main purpose or topic of this document is\s+`),
	regexp.MustCompile(`(?i)^the main purpose of this document is\s+`),
	regexp.MustCompile(`(?i)^the purpose of this document is\s+`),
	regexp.MustCompile(`(?i)^this is a document (about|describing|that)\s+`),
	regexp.MustCompile(`(?i)^this conversation (is about|covers|discusses)\s+`),
	regexp.MustCompile(`(?i)^the conversation (is about|covers|discusses)\s+`),
	regexp.MustCompile(`(?i)^in this conversation,?\s+`),
	regexp.MustCompile(`(?i)^the user (discusses|talks about|mentions)\s+`),
}

// stripSummaryPreamble removes common LLM preambles from summaries, the
// same cleanup the original applies post-generation since models add
// these despite instructions not to.
func stripSummaryPreamble(text string) string {
	for _, re := range summaryPreambles {
		text = re.ReplaceAllString(text, "")
	}
	return text
}
