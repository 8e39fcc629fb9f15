package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
)

// ollamaRequest is the /api/generate payload. format=json forces the
// model to emit a single JSON object.
type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaClassifier classifies Polish financial news with a locally hosted
// Ollama model. It shares the prompt and response contract with the cloud
// provider, so the two are interchangeable behind Classifier.
type OllamaClassifier struct {
	cfg        *config.Config
	log        *logger.Logger
	httpClient *http.Client
	timeout    time.Duration
}

// NewOllamaClassifier creates an Ollama-backed Classifier.
func NewOllamaClassifier(cfg *config.Config, log *logger.Logger) *OllamaClassifier {
	return &OllamaClassifier{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{},
		timeout:    time.Duration(cfg.AI.ClassifyTimeoutSecond) * time.Second,
	}
}

// Classify sends the article to the local model and parses the structured
// result.
func (c *OllamaClassifier) Classify(ctx context.Context, article *entity.NewsArticle) (*repository.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(ollamaRequest{
		Model:  c.cfg.Ollama.Model,
		Prompt: buildClassifyPrompt(article),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, enginerr.Internal(fmt.Errorf("failed to marshal ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Ollama.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, enginerr.Internal(fmt.Errorf("failed to build ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.Transient(fmt.Errorf("ollama request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("ollama returned status %d", resp.StatusCode)
		// A missing model or bad request will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, enginerr.Malformed(statusErr)
		}
		return nil, enginerr.Transient(statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, enginerr.Transient(fmt.Errorf("failed to read ollama response: %w", err))
	}

	var envelope ollamaResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, enginerr.Malformed(fmt.Errorf("failed to unmarshal ollama envelope: %w", err))
	}
	if envelope.Response == "" {
		return nil, enginerr.Transientf("ollama returned no content")
	}

	c.log.Debug("Ollama response received",
		logger.StringField("model", c.cfg.Ollama.Model),
		logger.IntField("bytes", len(envelope.Response)),
	)

	parsed, err := parseClassifyResponse(envelope.Response)
	if err != nil {
		// The model answered but not in the contract; retrying the same
		// article is unlikely to help.
		return nil, enginerr.Malformed(err)
	}

	return toClassification(parsed, article), nil
}
