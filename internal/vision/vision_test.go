// File: internal/vision/vision_test.go
package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t400\t800\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t20\t40\t60\t20\t96.5\tSign\n" +
	"5\t1\t1\t1\t1\t2\t90\t40\t30\t20\t95.0\tin\n" +
	"5\t1\t2\t1\t1\t1\t20\t600\t80\t30\t91.0\tInvalid\n" +
	"5\t1\t2\t1\t1\t2\t110\t600\t60\t30\t90.0\temail\n"

func TestParseTSV(t *testing.T) {
	text, regions, lines := ParseTSV([]byte(sampleTSV))
	assert.Equal(t, "Sign in\nInvalid email", text)

	require.Len(t, lines, 2)
	assert.Equal(t, "Sign in", lines[0].Text)
	assert.Equal(t, Rect{X: 20, Y: 40, W: 100, H: 20}, lines[0].Bounds)
	assert.InDelta(t, 0.9575, lines[0].Confidence, 1e-9)

	// "in" is too short to become a region.
	require.Len(t, regions, 3)
	assert.Equal(t, "Sign", regions[0].Text)
	assert.Equal(t, Rect{X: 20, Y: 40, W: 60, H: 20}, regions[0].Bounds)
	assert.InDelta(t, 0.965, regions[0].Confidence, 1e-9)
}

func TestClassify(t *testing.T) {
	res := Classify("Create Account\nPassword is required\nLoading...\n\nSave entry")

	assert.Equal(t, []string{"Password is required"}, res.ErrorLines)
	assert.Equal(t, []string{"Loading..."}, res.LoadingLines)
	assert.Equal(t, []string{"Create Account"}, res.ScreenIndicators)
	assert.Contains(t, res.ButtonLabels, "Create Account")
	assert.Contains(t, res.ButtonLabels, "Save entry")
	assert.Contains(t, res.ButtonLabels, "Account")
	assert.True(t, res.Contains("password"))
}

func TestFindRegion(t *testing.T) {
	text, regions, lines := ParseTSV([]byte(sampleTSV))
	res := Classify(text)
	res.Regions = regions

	reg, ok := res.FindRegion("invalid")
	require.True(t, ok)
	assert.Equal(t, 20, reg.Bounds.X)

	// Without line regions a phrase falls back to its first word.
	reg, ok = res.FindRegion("Sign in")
	require.True(t, ok)
	assert.Equal(t, "Sign", reg.Text)

	res.LineRegions = lines
	reg, ok = res.FindRegion("Sign in")
	require.True(t, ok)
	assert.Equal(t, "Sign in", reg.Text)

	_, ok = res.FindRegion("logout")
	assert.False(t, ok)
}

func newAvailableTesseract(t *testing.T, r runner) *Tesseract {
	ts := NewTesseract(zaptest.NewLogger(t), "tesseract", "eng", time.Second)
	ts.availOnce.Do(func() { ts.available = true })
	ts.run = r
	return ts
}

func TestTesseractExtractText(t *testing.T) {
	var gotArgs []string
	ts := newAvailableTesseract(t, func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		assert.Equal(t, []byte("png"), stdin)
		gotArgs = args
		return []byte(sampleTSV), nil
	})

	res, err := ts.ExtractText(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, []string{"stdin", "stdout", "-l", "eng", "tsv"}, gotArgs)
	assert.Equal(t, []string{"Invalid email"}, res.ErrorLines)
	assert.Len(t, res.Regions, 3)
}

func TestTesseractFailures(t *testing.T) {
	ts := newAvailableTesseract(t, func(context.Context, []byte, string, ...string) ([]byte, error) {
		return nil, errors.New("boom")
	})
	_, err := ts.ExtractText(context.Background(), []byte("png"))
	assert.ErrorContains(t, err, "ocr extraction")

	missing := NewTesseract(zaptest.NewLogger(t), "definitely-not-a-real-ocr-binary", "", 0)
	res, err := missing.ExtractText(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Empty(t, res.FullText)
}

// checker draws a high-contrast patch so NCC has variance to work with.
func checker(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/2+y/2)%2 == 0 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTemplateMatcher(t *testing.T) {
	screen := image.NewRGBA(image.Rect(0, 0, 60, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 60; x++ {
			screen.Set(x, y, color.Gray{Y: 128})
		}
	}
	patch := checker(8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			screen.Set(30+x, 50+y, patch.At(x, y))
		}
	}

	m := NewTemplateMatcher(zaptest.NewLogger(t), "", 0.8, 480)
	m.AddTemplate("error_icon", patch)
	m.AddTemplate("keyboard_done", checker(40, 40))

	res, err := m.DetectPatterns(context.Background(), encode(t, screen))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "error_icon", res.Matches[0].Name)
	assert.Equal(t, Rect{X: 30, Y: 50, W: 8, H: 8}, res.Matches[0].Bounds)
	assert.True(t, res.HasErrorIcon)
	assert.False(t, res.HasLoadingSpinner)

	res, err = m.DetectPatterns(context.Background(), encode(t, screen), "spinner")
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestDeriveFlags(t *testing.T) {
	r := &PatternResult{Matches: []PatternMatch{
		{Name: "loading_spinner"}, {Name: "success_checkmark"}, {Name: "popup_dialog"},
	}}
	r.DeriveFlags()
	assert.True(t, r.HasLoadingSpinner)
	assert.True(t, r.HasSuccessCheck)
	assert.True(t, r.HasBlockingDialog)
	assert.False(t, r.HasErrorIcon)

	m, ok := r.Find("dialog", "close")
	require.True(t, ok)
	assert.Equal(t, "popup_dialog", m.Name)
}
