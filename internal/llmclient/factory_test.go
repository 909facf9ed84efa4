package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/config"
)

// MockClient is a testify mock of Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

func TestNewClient_Providers(t *testing.T) {
	logger := zaptest.NewLogger(t)

	gemini, err := NewClient(context.Background(), config.PlannerConfig{LLM: validLLMConfig(), RequestsPerMinute: 30}, logger)
	require.NoError(t, err)
	rl, ok := gemini.(*RateLimited)
	require.True(t, ok)
	assert.IsType(t, &GeminiClient{}, rl.inner)

	cfg := validLLMConfig()
	cfg.Provider = config.ProviderGenAI
	sdk, err := NewClient(context.Background(), config.PlannerConfig{LLM: cfg}, logger)
	require.NoError(t, err)
	assert.IsType(t, &GenAIClient{}, sdk.(*RateLimited).inner)
	assert.NoError(t, sdk.Close())
}

func TestNewClient_UnknownProvider(t *testing.T) {
	cfg := validLLMConfig()
	cfg.Provider = "openai"
	_, err := NewClient(context.Background(), config.PlannerConfig{LLM: cfg}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
}

func TestNewClient_MissingKey(t *testing.T) {
	cfg := validLLMConfig()
	cfg.APIKey = ""
	_, err := NewClient(context.Background(), config.PlannerConfig{LLM: cfg}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRateLimitedSpacesCalls(t *testing.T) {
	inner := new(MockClient)
	inner.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	// 1200 per minute is one call every 50ms.
	rl := NewRateLimited(inner, 1200, zaptest.NewLogger(t))

	start := time.Now()
	for i := 0; i < 3; i++ {
		out, err := rl.Generate(context.Background(), Request{UserPrompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	inner.AssertNumberOfCalls(t, "Generate", 3)
}

func TestRateLimitedHonoursCancellation(t *testing.T) {
	inner := new(MockClient)
	inner.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	rl := NewRateLimited(inner, 1, zaptest.NewLogger(t))
	_, err := rl.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Generate(ctx, Request{})

	assert.Error(t, err)
	inner.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRateLimitedUnlimitedAndClose(t *testing.T) {
	inner := new(MockClient)
	inner.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("boom"))
	inner.On("Close").Return(nil)
	rl := NewRateLimited(inner, 0, zaptest.NewLogger(t))

	_, err := rl.Generate(context.Background(), Request{})
	assert.EqualError(t, err, "boom")
	assert.NoError(t, rl.Close())
	inner.AssertExpectations(t)
}
