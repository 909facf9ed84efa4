package humanize

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sightline/internal/config"
)

func testTypist(cfg config.TypingConfig) (*Typist, *[]time.Duration) {
	var slept []time.Duration
	ty := NewWithSource(cfg, rand.NewPCG(7, 11))
	ty.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return ty, &slept
}

func defaults() config.TypingConfig {
	return config.TypingConfig{
		Enabled: true, KeyHoldMean: 65, KeyHoldStdDev: 15,
		FlightMean: 70, FlightStdDev: 28, CorrectionWait: 180,
	}
}

// applyKeys replays the key stream into the text a field would hold.
func applyKeys(keys []string) string {
	var out []rune
	for _, k := range keys {
		if k == kb.Backspace {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, []rune(k)...)
	}
	return string(out)
}

func TestTypeWithoutTypos(t *testing.T) {
	ty, slept := testTypist(defaults())
	var keys []string

	err := ty.Type(context.Background(), "sarah.j@gmail.com", func(_ context.Context, k string) error {
		keys = append(keys, k)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, strings.Split("sarah.j@gmail.com", ""), keys)
	// One flight and one hold per key.
	require.Len(t, *slept, 2*len(keys))
	for i, d := range *slept {
		if i%2 == 0 {
			assert.GreaterOrEqual(t, d, time.Duration(minFlightMs*0.55*float64(time.Millisecond)))
		} else {
			assert.GreaterOrEqual(t, d, time.Duration(minHoldMs*float64(time.Millisecond)))
		}
	}
}

func TestTypeCorrectsEveryTypo(t *testing.T) {
	cfg := defaults()
	cfg.TypoRate = 0.5
	ty, _ := testTypist(cfg)
	var keys []string
	text := "Password123 Strong"

	err := ty.Type(context.Background(), text, func(_ context.Context, k string) error {
		keys = append(keys, k)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, text, applyKeys(keys))
	assert.Greater(t, len(keys), len([]rune(text)), "a high typo rate should produce corrections")
	assert.Contains(t, keys, kb.Backspace)
}

func TestTypoKeepsCase(t *testing.T) {
	cfg := defaults()
	cfg.TypoRate = 0.5
	ty, _ := testTypist(cfg)
	for range 50 {
		if wrong, ok := ty.typo('Q'); ok {
			assert.Contains(t, "WA1", string(wrong))
		}
	}
	_, ok := ty.typo('@')
	assert.False(t, ok, "symbols have no neighbour table")
}

func TestCommonNgramsFlyFaster(t *testing.T) {
	cfg := defaults()
	cfg.FlightStdDev = 0
	ty, _ := testTypist(cfg)

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	assert.InDelta(t, 70, ms(ty.flight([]rune("xq"), 1)), 0.001)
	assert.InDelta(t, 49, ms(ty.flight([]rune("th"), 1)), 0.001)
	assert.InDelta(t, 38.5, ms(ty.flight([]rune("the"), 2)), 0.001)
}

func TestTypeStopsOnSendError(t *testing.T) {
	ty, _ := testTypist(defaults())
	boom := errors.New("node detached")
	calls := 0

	err := ty.Type(context.Background(), "abc", func(context.Context, string) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestTypeHonorsCancellation(t *testing.T) {
	ty := NewWithSource(defaults(), rand.NewPCG(1, 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ty.Type(ctx, "hello", func(context.Context, string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
