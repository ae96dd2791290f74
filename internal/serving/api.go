package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SelimCelen/dataflowhub/internal/plugin"
)

// APIServing is an OpenAI-compatible HTTP client. A key bound at build time
// wins; otherwise the key is read from the environment at request time.
type APIServing struct {
	apiURL     string
	model      string
	keyName    string
	apiKey     string
	maxWorkers int
	client     *http.Client
}

func NewAPIServing(a plugin.Args) (*APIServing, error) {
	s := &APIServing{
		apiURL:  a.String("api_url", ""),
		model:   a.String("model_name", "gpt-4o"),
		keyName: a.String(paramKeyName, "DF_API_KEY"),
		apiKey:  a.String(paramAPIKey, ""),
	}
	if s.apiURL == "" {
		return nil, errors.New("api_url is required")
	}
	workers, err := a.Int("max_workers", 10)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	s.maxWorkers = workers
	timeout, err := seconds(a, "timeout", 1800)
	if err != nil {
		return nil, err
	}
	s.client = &http.Client{Timeout: timeout}
	return s, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Generate sends one chat request per prompt, at most maxWorkers at a
// time. Results keep the order of prompts.
func (s *APIServing) Generate(ctx context.Context, systemPrompt string, prompts []string) ([]string, error) {
	out := make([]string, len(prompts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxWorkers)
	for i, prompt := range prompts {
		g.Go(func() error {
			req := chatRequest{Model: s.model}
			if systemPrompt != "" {
				req.Messages = append(req.Messages, chatMessage{Role: "system", Content: systemPrompt})
			}
			req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
			var resp chatResponse
			if err := s.post(ctx, req, &resp); err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("prompt %d: empty response", i)
			}
			out[i] = resp.Choices[0].Message.Content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Embed requests embeddings for all texts in one call.
func (s *APIServing) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var resp embeddingResponse
	if err := s.post(ctx, embeddingRequest{Model: s.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float64, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

func (s *APIServing) post(ctx context.Context, body, into any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	key := s.apiKey
	if key == "" {
		key = os.Getenv(s.keyName)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("serving returned %d after %s: %s", resp.StatusCode, time.Since(start).Round(time.Millisecond), truncate(string(payload), 200))
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
