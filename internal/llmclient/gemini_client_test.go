package llmclient

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sightline/internal/config"
)

// -- Test Setup Helpers --

func validLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.2,
		TopP:        0.9,
		TopK:        40,
		MaxTokens:   1024,
	}
}

// setupGeminiClient points a GeminiClient at a mock server and makes retries immediate.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.InfoLevel)
	cfg := validLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, zap.New(core))
	require.NoError(t, err)
	client.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return client, logs
}

func writeCandidate(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	resp := GeminiResponsePayload{Candidates: []GeminiCandidate{{
		Content:      GeminiContent{Parts: []GeminiPart{{Text: text}}},
		FinishReason: "STOP",
	}}}
	resp.UsageMetadata.PromptTokenCount = 120
	resp.UsageMetadata.CandidatesTokenCount = 30
	resp.UsageMetadata.TotalTokenCount = 150
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

// -- Test Cases --

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	cfg := validLLMConfig()
	client, err := NewGeminiClient(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/test-model:generateContent", client.endpoint)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	cfg := validLLMConfig()
	cfg.APIKey = ""
	client, err := NewGeminiClient(cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestBuildRequestPayload_WithScreenshot(t *testing.T) {
	client, _ := setupGeminiClient(t, nil)
	client.config.SafetyFilters = map[string]string{"HARM_CATEGORY_B": "BLOCK_HIGH", "HARM_CATEGORY_A": "BLOCK_LOW"}

	payload := client.buildRequestPayload(Request{
		SystemPrompt: "You plan UI tests.",
		UserPrompt:   "Sign up.",
		Image:        []byte("png-bytes"),
		ForceJSON:    true,
	})

	require.Len(t, payload.Contents, 1)
	parts := payload.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "Sign up.", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), parts[1].InlineData.Data)
	assert.Equal(t, "You plan UI tests.", payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, 0.2, payload.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 40, payload.GenerationConfig.TopK)
	assert.Equal(t, []GeminiSafetySetting{
		{Category: "HARM_CATEGORY_A", Threshold: "BLOCK_LOW"},
		{Category: "HARM_CATEGORY_B", Threshold: "BLOCK_HIGH"},
	}, payload.SafetySettings)
}

func TestBuildRequestPayload_TextOnly(t *testing.T) {
	client, _ := setupGeminiClient(t, nil)
	payload := client.buildRequestPayload(Request{UserPrompt: "hi", Temperature: 0.7})

	assert.Len(t, payload.Contents[0].Parts, 1)
	assert.Nil(t, payload.SystemInstruction)
	assert.Empty(t, payload.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, 0.7, payload.GenerationConfig.Temperature, 1e-6)
}

func TestGenerate_Success(t *testing.T) {
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "Plan the next step.", payload.Contents[0].Parts[0].Text)
		writeCandidate(t, w, `[{"type":"Tap","target":"Sign in"}]`)
	})

	out, err := client.Generate(context.Background(), Request{UserPrompt: "Plan the next step."})

	require.NoError(t, err)
	assert.Equal(t, `[{"type":"Tap","target":"Sign in"}]`, out)
	entries := logs.FilterMessage("LLM generation complete.").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 150, entries[0].ContextMap()["total_tokens"])
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCandidate(t, w, "ok")
	})

	out, err := client.Generate(context.Background(), Request{UserPrompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_PermanentErrorStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	})

	_, err := client.Generate(context.Background(), Request{UserPrompt: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("Gemini API returned error status.").Len())
}

func TestGenerate_SafetyBlockIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(GeminiResponsePayload{Candidates: []GeminiCandidate{{FinishReason: "SAFETY"}}})
	})

	_, err := client.Generate(context.Background(), Request{UserPrompt: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_ContextCanceled(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		// The server only notices the client going away once the body is read.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Generate(ctx, Request{UserPrompt: "x"})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
