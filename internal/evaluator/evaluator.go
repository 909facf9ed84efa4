// File: internal/evaluator/evaluator.go
package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sightline/internal/screen"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// Expectations are optional hints checked against what is seen.
type Expectations struct {
	State    string
	Elements []string
}

// Analysis is everything one OCR + pattern pass produced.
type Analysis struct {
	Evaluation *screen.Evaluation
	Text       *vision.TextResult
	Patterns   *vision.PatternResult
	Elements   []InteractiveElement
	// Height is the screenshot height in pixels, zero when unknown.
	Height int
	Width  int
}

// Evaluator fuses OCR and pattern matching into a screen verdict. Either
// modality may be nil; a failing modality contributes nothing.
type Evaluator struct {
	logger   *zap.Logger
	ocr      vision.TextExtractor
	patterns vision.PatternDetector
}

// New creates an Evaluator.
func New(logger *zap.Logger, ocr vision.TextExtractor, patterns vision.PatternDetector) *Evaluator {
	return &Evaluator{
		logger:   logger.Named("visual_evaluator"),
		ocr:      ocr,
		patterns: patterns,
	}
}

// Evaluate judges one screenshot. It only errors when ctx is done.
func (e *Evaluator) Evaluate(ctx context.Context, shot screen.Screenshot, exp Expectations) (*screen.Evaluation, error) {
	a, err := e.Analyze(ctx, shot, exp)
	if err != nil {
		return nil, err
	}
	return a.Evaluation, nil
}

// DetectInteractiveElements returns the content and affordance layers for one screenshot.
func (e *Evaluator) DetectInteractiveElements(ctx context.Context, shot screen.Screenshot) ([]InteractiveElement, error) {
	a, err := e.Analyze(ctx, shot, Expectations{})
	if err != nil {
		return nil, err
	}
	return a.Elements, nil
}

// Analyze runs OCR and pattern matching concurrently and derives the
// evaluation and interactive elements from the same pass.
func (e *Evaluator) Analyze(ctx context.Context, shot screen.Screenshot, exp Expectations) (*Analysis, error) {
	start := time.Now()
	data, err := load(shot)
	if err != nil {
		e.logger.Warn("Screenshot unreadable.", zap.String("path", shot.Path), zap.Error(err))
		obs := []screen.Observation{{
			Type:       screen.ObservationUnexpectedState,
			Severity:   screen.SeverityMedium,
			Message:    fmt.Sprintf("Could not fully evaluate screen: %v", err),
			Screenshot: shot,
			Source:     screen.SourceEvaluator,
		}}
		ev := screen.NewEvaluation(obs, shot)
		ev.OverallState = screen.StateUncertain
		return &Analysis{Evaluation: ev, Text: &vision.TextResult{}, Patterns: &vision.PatternResult{}}, nil
	}

	var (
		text       *vision.TextResult
		patterns   *vision.PatternResult
		ocrErr     error
		patternErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if e.ocr != nil {
		g.Go(func() error {
			text, ocrErr = e.ocr.ExtractText(gctx, data)
			return nil
		})
	}
	if e.patterns != nil {
		g.Go(func() error {
			patterns, patternErr = e.patterns.DetectPatterns(gctx, data)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ocrErr != nil {
		e.logger.Warn("OCR failed; continuing without text signal.", zap.Error(ocrErr))
	}
	if patternErr != nil {
		e.logger.Warn("Pattern matching failed; continuing without pattern signal.", zap.Error(patternErr))
	}
	if text == nil {
		text = &vision.TextResult{}
	}
	if patterns == nil {
		patterns = &vision.PatternResult{}
	}

	w, h := dimensions(data)
	obs := integrate(ocrObservations(text, exp, shot), patternObservations(patterns, shot))
	if detectKeyboard(text, patterns, h) {
		obs = append(obs, screen.Observation{
			Type:       screen.ObservationBlockingElement,
			Severity:   screen.SeverityMedium,
			Message:    "Keyboard is visible on screen (may block interaction)",
			Element:    screen.KeyboardElement,
			Screenshot: shot,
			Source:     screen.SourceEvaluator,
			Confidence: 0.6,
		})
	}

	ev := screen.NewEvaluation(obs, shot)
	ocrDown := e.ocr == nil || ocrErr != nil
	patternsDown := e.patterns == nil || patternErr != nil
	if ocrDown && patternsDown {
		ev.OverallState = screen.StateUncertain
	}

	a := &Analysis{
		Evaluation: ev,
		Text:       text,
		Patterns:   patterns,
		Elements:   interactiveElements(text, patterns, h),
		Width:      w,
		Height:     h,
	}
	e.logger.Debug("Screen evaluated.",
		zap.String("verdict", string(ev.OverallState)),
		zap.Int("observations", len(obs)),
		zap.Int("elements", len(a.Elements)),
		zap.Duration("duration", time.Since(start)))
	return a, nil
}

func load(shot screen.Screenshot) ([]byte, error) {
	if len(shot.Data) > 0 {
		return shot.Data, nil
	}
	if shot.Path == "" {
		return nil, fmt.Errorf("empty screenshot")
	}
	return os.ReadFile(shot.Path)
}

func dimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func ocrObservations(text *vision.TextResult, exp Expectations, shot screen.Screenshot) []screen.Observation {
	var obs []screen.Observation
	add := func(t screen.ObservationType, s screen.Severity, msg, elem string) {
		obs = append(obs, screen.Observation{
			Type: t, Severity: s, Message: msg, Element: elem,
			Screenshot: shot, Source: screen.SourceOCR, Confidence: 0.7,
		})
	}

	for _, l := range text.ErrorLines {
		add(screen.ObservationError, screen.SeverityCritical, "Error detected via text: "+l, "")
	}
	for _, l := range text.LoadingLines {
		add(screen.ObservationLoadingIndicator, screen.SeverityMedium, "Loading indicator detected: "+l, "")
	}

	if exp.State != "" && len(text.ScreenIndicators) > 0 {
		matched := false
		for _, ind := range text.ScreenIndicators {
			if containsFold(exp.State, ind) || containsFold(ind, exp.State) {
				matched = true
				break
			}
		}
		if !matched {
			add(screen.ObservationUnexpectedState, screen.SeverityHigh,
				fmt.Sprintf("Expected '%s' but detected: %s", exp.State, strings.Join(text.ScreenIndicators, ", ")), "")
		}
	}

	for _, want := range exp.Elements {
		if text.Contains(want) {
			continue
		}
		found := false
		for _, b := range text.ButtonLabels {
			if containsFold(b, want) {
				found = true
				break
			}
		}
		if !found {
			add(screen.ObservationMissingElement, screen.SeverityHigh, "Expected element not found in text: "+want, want)
		}
	}

	for _, ind := range text.ScreenIndicators {
		add(screen.ObservationSuccessIndicator, screen.SeverityPositive, "Screen identified: "+ind, ind)
	}
	return obs
}

func patternObservations(p *vision.PatternResult, shot screen.Screenshot) []screen.Observation {
	var obs []screen.Observation
	add := func(t screen.ObservationType, s screen.Severity, msg string, names ...string) {
		m, _ := p.Find(names...)
		obs = append(obs, screen.Observation{
			Type: t, Severity: s, Message: msg, Element: m.Name,
			Screenshot: shot, Source: screen.SourcePattern, Confidence: m.Confidence,
		})
	}
	if p.HasErrorIcon {
		add(screen.ObservationError, screen.SeverityHigh, "Error icon detected", "error")
	}
	if p.HasLoadingSpinner {
		add(screen.ObservationLoadingIndicator, screen.SeverityMedium, "Loading spinner detected", "loading", "spinner")
	}
	if p.HasSuccessCheck {
		add(screen.ObservationSuccessIndicator, screen.SeverityPositive, "Success indicator detected", "success", "checkmark")
	}
	if p.HasBlockingDialog {
		add(screen.ObservationBlockingElement, screen.SeverityHigh, "Blocking dialog detected", "dialog", "popup")
	}
	return obs
}

// integrate merges the two modality lists. When both saw an error (or both
// saw loading) the text findings are promoted to integrated findings with
// raised confidence and the pattern duplicate is dropped. Single-source
// findings pass through at their original severity.
func integrate(fromText, fromPatterns []screen.Observation) []screen.Observation {
	corroborated := map[screen.ObservationType]bool{}
	for _, t := range []screen.ObservationType{screen.ObservationError, screen.ObservationLoadingIndicator} {
		corroborated[t] = hasType(fromText, t) && hasType(fromPatterns, t)
	}

	out := make([]screen.Observation, 0, len(fromText)+len(fromPatterns))
	for _, o := range fromText {
		if corroborated[o.Type] {
			o.Source = screen.SourceIntegrated
			o.Confidence = min(1, o.Confidence+0.25)
			if o.Type == screen.ObservationError {
				o.Severity = screen.SeverityCritical
			}
		}
		out = append(out, o)
	}
	for _, o := range fromPatterns {
		if corroborated[o.Type] {
			continue
		}
		out = append(out, o)
	}
	return out
}

func hasType(obs []screen.Observation, t screen.ObservationType) bool {
	for _, o := range obs {
		if o.Type == t {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
