// File: internal/vision/pattern.go
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PatternMatch is one template found on screen.
type PatternMatch struct {
	Name       string
	Bounds     Rect
	Confidence float64
}

// PatternResult carries the matches plus flags derived from template names.
type PatternResult struct {
	Matches           []PatternMatch
	HasErrorIcon      bool
	HasLoadingSpinner bool
	HasSuccessCheck   bool
	HasBlockingDialog bool
}

// Find returns the best match whose name contains any of names.
func (r *PatternResult) Find(names ...string) (PatternMatch, bool) {
	if r == nil {
		return PatternMatch{}, false
	}
	best, found := PatternMatch{}, false
	for _, m := range r.Matches {
		lower := strings.ToLower(m.Name)
		for _, n := range names {
			if strings.Contains(lower, n) && (!found || m.Confidence > best.Confidence) {
				best, found = m, true
			}
		}
	}
	return best, found
}

// PatternDetector is the template-matching service boundary. An empty names
// list means every known template.
type PatternDetector interface {
	DetectPatterns(ctx context.Context, png []byte, names ...string) (*PatternResult, error)
}

// DeriveFlags sets the presence flags from match names.
func (r *PatternResult) DeriveFlags() {
	for _, m := range r.Matches {
		n := strings.ToLower(m.Name)
		switch {
		case strings.Contains(n, "error"):
			r.HasErrorIcon = true
		case strings.Contains(n, "loading"), strings.Contains(n, "spinner"):
			r.HasLoadingSpinner = true
		case strings.Contains(n, "success"), strings.Contains(n, "checkmark"):
			r.HasSuccessCheck = true
		case strings.Contains(n, "dialog"), strings.Contains(n, "popup"):
			r.HasBlockingDialog = true
		}
	}
}

// gray is a dense luminance raster.
type gray struct {
	w, h int
	px   []float64
}

func (g *gray) at(x, y int) float64 { return g.px[y*g.w+x] }

// toGray converts img to luminance, downsampling by the integer factor step.
func toGray(img image.Image, step int) *gray {
	b := img.Bounds()
	w, h := b.Dx()/step, b.Dy()/step
	g := &gray{w: w, h: h, px: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gg, bb, _ := img.At(b.Min.X+x*step, b.Min.Y+y*step).RGBA()
			g.px[y*w+x] = (0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(bb)) / 65535
		}
	}
	return g
}

type template struct {
	name string
	img  image.Image
}

// TemplateMatcher finds PNG templates in a screenshot by normalized cross
// correlation on a downscaled grayscale copy.
type TemplateMatcher struct {
	logger    *zap.Logger
	dir       string
	threshold float64
	maxSide   int

	loadOnce  sync.Once
	templates []template
}

var _ PatternDetector = (*TemplateMatcher)(nil)

// NewTemplateMatcher loads templates lazily from dir on first use.
func NewTemplateMatcher(logger *zap.Logger, dir string, threshold float64, maxSide int) *TemplateMatcher {
	if threshold <= 0 {
		threshold = 0.8
	}
	if maxSide <= 0 {
		maxSide = 480
	}
	return &TemplateMatcher{
		logger:    logger.Named("pattern"),
		dir:       dir,
		threshold: threshold,
		maxSide:   maxSide,
	}
}

// AddTemplate registers an in-memory template.
func (m *TemplateMatcher) AddTemplate(name string, img image.Image) {
	m.load()
	m.templates = append(m.templates, template{name: name, img: img})
}

func (m *TemplateMatcher) load() {
	m.loadOnce.Do(func() {
		if m.dir == "" {
			return
		}
		paths, err := filepath.Glob(filepath.Join(m.dir, "*.png"))
		if err != nil {
			m.logger.Warn("Failed to list templates.", zap.Error(err))
			return
		}
		for _, p := range paths {
			img, err := decodeFile(p)
			if err != nil {
				m.logger.Warn("Skipping unreadable template.", zap.String("path", p), zap.Error(err))
				continue
			}
			name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
			m.templates = append(m.templates, template{name: name, img: img})
		}
		m.logger.Debug("Templates loaded.", zap.Int("count", len(m.templates)))
	})
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// DetectPatterns matches every (or every named) template against the screenshot.
func (m *TemplateMatcher) DetectPatterns(ctx context.Context, data []byte, names ...string) (*PatternResult, error) {
	m.load()
	res := &PatternResult{}
	if len(data) == 0 || len(m.templates) == 0 {
		return res, nil
	}
	shot, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	start := time.Now()
	b := shot.Bounds()
	step := max(1, max(b.Dx(), b.Dy())/m.maxSide)
	screen := toGray(shot, step)

	for _, t := range m.templates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(names) > 0 && !nameSelected(t.name, names) {
			continue
		}
		tg := toGray(t.img, step)
		if tg.w < 2 || tg.h < 2 || tg.w > screen.w || tg.h > screen.h {
			continue
		}
		x, y, score := bestMatch(screen, tg)
		if score < m.threshold {
			continue
		}
		res.Matches = append(res.Matches, PatternMatch{
			Name:       t.name,
			Bounds:     Rect{X: b.Min.X + x*step, Y: b.Min.Y + y*step, W: tg.w * step, H: tg.h * step},
			Confidence: score,
		})
	}
	sort.Slice(res.Matches, func(i, j int) bool { return res.Matches[i].Confidence > res.Matches[j].Confidence })
	res.DeriveFlags()

	m.logger.Debug("Pattern matching complete.",
		zap.Duration("duration", time.Since(start)),
		zap.Int("matches", len(res.Matches)))
	return res, nil
}

func nameSelected(name string, names []string) bool {
	lower := strings.ToLower(name)
	for _, n := range names {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// bestMatch slides tpl over img and returns the top-left of the highest NCC score.
func bestMatch(img, tpl *gray) (int, int, float64) {
	n := float64(tpl.w * tpl.h)
	var tMean float64
	for _, v := range tpl.px {
		tMean += v
	}
	tMean /= n
	var tVar float64
	for _, v := range tpl.px {
		d := v - tMean
		tVar += d * d
	}

	bx, by, best := 0, 0, -1.0
	for y := 0; y+tpl.h <= img.h; y++ {
		for x := 0; x+tpl.w <= img.w; x++ {
			var iMean float64
			for ty := 0; ty < tpl.h; ty++ {
				for tx := 0; tx < tpl.w; tx++ {
					iMean += img.at(x+tx, y+ty)
				}
			}
			iMean /= n
			var cov, iVar float64
			for ty := 0; ty < tpl.h; ty++ {
				for tx := 0; tx < tpl.w; tx++ {
					di := img.at(x+tx, y+ty) - iMean
					dt := tpl.at(tx, ty) - tMean
					cov += di * dt
					iVar += di * di
				}
			}
			var score float64
			switch {
			case tVar == 0 && iVar == 0:
				// Two flat patches match when their levels agree.
				score = 1 - math.Min(1, math.Abs(iMean-tMean)*10)
			case tVar == 0 || iVar == 0:
				score = 0
			default:
				score = cov / math.Sqrt(tVar*iVar)
			}
			if score > best {
				bx, by, best = x, y, score
			}
		}
	}
	return bx, by, best
}
