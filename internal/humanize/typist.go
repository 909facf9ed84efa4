// Package humanize paces input the way a person produces it. The web backend
// uses it to type one key at a time, so apps that validate or autocomplete on
// every keystroke see realistic events.
package humanize

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/sightline/internal/config"
)

// Minimums keep sampled durations physically plausible.
const (
	minHoldMs   = 20.0
	minFlightMs = 35.0
)

var keyboardNeighbors = map[rune]string{
	'1': "2q", '2': "13wq", '3': "24we", '4': "35er", '5': "46rt", '6': "57ty",
	'7': "68yu", '8': "79ui", '9': "80io", '0': "9op",
	'q': "wa1", 'w': "qase2", 'e': "wsdr3", 'r': "edft4", 't': "rfgy5",
	'y': "tghu6", 'u': "yhji7", 'i': "ujko8", 'o': "iklp9", 'p': "ol0",
	'a': "qwsz", 's': "awedxz", 'd': "serfcx", 'f': "drtgvc", 'g': "ftyhbv",
	'h': "gyujnb", 'j': "huikmn", 'k': "jiolm", 'l': "kop",
	'z': "asx", 'x': "zsdc", 'c': "xdfv", 'v': "cfgb", 'b': "vghn", 'n': "bhjm", 'm': "njk",
}

// Frequent English n-grams are typed in quicker bursts.
var commonNgrams = map[string]float64{
	"th": 0.7, "he": 0.7, "in": 0.7, "er": 0.7, "an": 0.7, "re": 0.7,
	"es": 0.7, "on": 0.7, "st": 0.7, "nt": 0.7,
	"the": 0.55, "and": 0.55, "ing": 0.55, "ion": 0.55, "tio": 0.55,
}

// SendFunc delivers one key (a character or a kb constant) to the focused
// field.
type SendFunc func(ctx context.Context, key string) error

// Typist turns text into a timed key sequence. Safe for concurrent use.
type Typist struct {
	cfg config.TypingConfig

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Typist seeded from the clock.
func New(cfg config.TypingConfig) *Typist {
	seed := uint64(time.Now().UnixNano())
	return NewWithSource(cfg, rand.NewPCG(seed, seed>>1|1))
}

// NewWithSource creates a Typist with a fixed random source.
func NewWithSource(cfg config.TypingConfig, src rand.Source) *Typist {
	return &Typist{cfg: cfg, rng: rand.New(src), sleep: sleepCtx}
}

// Type sends text key by key. A neighbouring key is occasionally hit first
// and then erased with Backspace, so the field ends up holding exactly text.
func (t *Typist) Type(ctx context.Context, text string, send SendFunc) error {
	runes := []rune(text)
	for i, r := range runes {
		if err := t.sleep(ctx, t.flight(runes, i)); err != nil {
			return err
		}
		if wrong, ok := t.typo(r); ok {
			if err := t.press(ctx, string(wrong), send); err != nil {
				return err
			}
			if err := t.sleep(ctx, t.millis(t.cfg.CorrectionWait, t.cfg.CorrectionWait/3, minFlightMs)); err != nil {
				return err
			}
			if err := t.press(ctx, kb.Backspace, send); err != nil {
				return err
			}
		}
		if err := t.press(ctx, string(r), send); err != nil {
			return err
		}
	}
	return nil
}

func (t *Typist) press(ctx context.Context, key string, send SendFunc) error {
	if err := send(ctx, key); err != nil {
		return err
	}
	return t.sleep(ctx, t.millis(t.cfg.KeyHoldMean, t.cfg.KeyHoldStdDev, minHoldMs))
}

// flight is the pause before runes[i], shorter inside common n-grams.
func (t *Typist) flight(runes []rune, i int) time.Duration {
	factor := 1.0
	if i >= 2 {
		if f, ok := commonNgrams[strings.ToLower(string(runes[i-2:i+1]))]; ok {
			factor = f
		}
	}
	if factor == 1.0 && i >= 1 {
		if f, ok := commonNgrams[strings.ToLower(string(runes[i-1:i+1]))]; ok {
			factor = f
		}
	}
	return t.millis(t.cfg.FlightMean*factor, t.cfg.FlightStdDev, minFlightMs*factor)
}

// typo picks a neighbouring key for r with probability TypoRate.
func (t *Typist) typo(r rune) (rune, bool) {
	neighbors, ok := keyboardNeighbors[unicode.ToLower(r)]
	if !ok || t.cfg.TypoRate <= 0 {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rng.Float64() >= t.cfg.TypoRate {
		return 0, false
	}
	wrong := []rune(neighbors)[t.rng.IntN(len(neighbors))]
	if unicode.IsUpper(r) {
		wrong = unicode.ToUpper(wrong)
	}
	return wrong, true
}

// millis samples N(mean, stdDev) milliseconds, floored at lowest.
func (t *Typist) millis(mean, stdDev, lowest float64) time.Duration {
	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()
	ms := math.Max(lowest, mean+n*stdDev)
	return time.Duration(ms * float64(time.Millisecond))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
