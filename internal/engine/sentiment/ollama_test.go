package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/pkg/logger"
)

func ollamaTestConfig(baseURL string) *config.Config {
	return &config.Config{
		AI:     config.AI{ClassifyTimeoutSecond: 5},
		Ollama: config.Ollama{BaseURL: baseURL, Model: "llama3"},
	}
}

func TestOllamaClassifyParsesModelOutput(t *testing.T) {
	var gotPath string
	var gotReq ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Response: `{"overall_sentiment":"positive","sentiment_score":0.7,"confidence":0.9,` +
				`"impact":"high","per_stock":[{"symbol":"CDR","sentiment_score":0.8,"confidence":0.9,"relevance":0.95}]}`,
			Done: true,
		})
	}))
	defer server.Close()

	c := NewOllamaClassifier(ollamaTestConfig(server.URL), logger.NewNop())
	classification, err := c.Classify(context.Background(), testArticle())
	require.NoError(t, err)

	assert.Equal(t, "/api/generate", gotPath)
	assert.Equal(t, "llama3", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Equal(t, "json", gotReq.Format)
	assert.Contains(t, gotReq.Prompt, "CD Projekt publikuje wyniki")

	assert.Equal(t, "positive", classification.OverallSentiment)
	require.Len(t, classification.PerStock, 1)
	assert.Equal(t, "CDR", classification.PerStock[0].StockSymbol)
}

func TestOllamaClassifyServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewOllamaClassifier(ollamaTestConfig(server.URL), logger.NewNop())
	_, err := c.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindTransient))
}

func TestOllamaClassifyMissingModelIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewOllamaClassifier(ollamaTestConfig(server.URL), logger.NewNop())
	_, err := c.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindMalformed))
}

func TestOllamaClassifyProseAnswerIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "Nastroje na rynku są pozytywne.", Done: true})
	}))
	defer server.Close()

	c := NewOllamaClassifier(ollamaTestConfig(server.URL), logger.NewNop())
	_, err := c.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindMalformed))
}

func TestOllamaClassifyUnreachableHostIsTransient(t *testing.T) {
	c := NewOllamaClassifier(ollamaTestConfig("http://127.0.0.1:1"), logger.NewNop())
	_, err := c.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindTransient))
}
