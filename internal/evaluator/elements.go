// File: internal/evaluator/elements.go
package evaluator

import (
	"strings"

	"github.com/xkilldash9x/sightline/internal/screen"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// Affordance classifies how a human would interact with an element.
type Affordance string

const (
	Tappable   Affordance = "TAPPABLE"
	Swipeable  Affordance = "SWIPEABLE"
	Readable   Affordance = "READABLE"
	Typeable   Affordance = "TYPEABLE"
	Scrollable Affordance = "SCROLLABLE"
)

// InteractiveElement pairs what is seen (text or image) with how to use it.
type InteractiveElement struct {
	Text       string
	Image      string
	Bounds     vision.Rect
	Affordance Affordance
	Confidence float64
	Position   string
	Size       string
	Source     screen.Source
}

// Label is the text, or the image name for pattern matches.
func (el InteractiveElement) Label() string {
	if el.Text != "" {
		return el.Text
	}
	return el.Image
}

var (
	buttonLike = []string{"sign", "login", "create", "save", "submit", "add", "continue", "next", "ok", "done"}
	inputLike  = []string{"email", "password", "username", "input", "enter"}
)

// interactiveElements builds the content layer from OCR lines (falling back
// to words) and pattern matches, then classifies each heuristically.
func interactiveElements(text *vision.TextResult, patterns *vision.PatternResult, height int) []InteractiveElement {
	var out []InteractiveElement

	regions := text.LineRegions
	if len(regions) == 0 {
		regions = text.Regions
	}
	for _, r := range regions {
		lower := strings.ToLower(r.Text)
		isButton := containsAny(lower, buttonLike)
		isInput := containsAny(lower, inputLike)
		large := r.Bounds.W > 100 && r.Bounds.H > 40
		short := len(strings.Fields(r.Text)) <= 3

		el := InteractiveElement{
			Text:     r.Text,
			Bounds:   r.Bounds,
			Position: position(r.Bounds, height),
			Size:     size(r.Bounds),
			Source:   screen.SourceOCR,
		}
		switch {
		case isButton && large:
			el.Affordance, el.Confidence = Tappable, 0.8
		case isButton && short:
			// OCR boxes hug the glyphs, so short button-like labels are
			// tappable even when their box is small.
			el.Affordance, el.Confidence = Tappable, 0.6
		case isInput:
			el.Affordance, el.Confidence = Typeable, 0.7
		default:
			el.Affordance, el.Confidence = Readable, 0.5
		}
		out = append(out, el)
	}

	for _, m := range patterns.Matches {
		out = append(out, InteractiveElement{
			Image:      m.Name,
			Bounds:     m.Bounds,
			Affordance: Tappable,
			Confidence: 0.7,
			Position:   position(m.Bounds, height),
			Size:       size(m.Bounds),
			Source:     screen.SourcePattern,
		})
	}
	return out
}

func position(r vision.Rect, height int) string {
	if height <= 0 {
		switch {
		case r.Y < 200:
			return "top"
		case r.Y > 1500:
			return "bottom"
		default:
			return "center"
		}
	}
	switch f := float64(r.Y) / float64(height); {
	case f < 0.1:
		return "top"
	case f > 0.75:
		return "bottom"
	default:
		return "center"
	}
}

func size(r vision.Rect) string {
	switch {
	case r.W > 100 && r.H > 40:
		return "large"
	case r.W > 50 && r.H > 30:
		return "medium"
	default:
		return "small"
	}
}

var (
	strongKeyboardText = []string{"qwerty", "keyboard"}
	keyboardKeys       = []string{"done", "hide", "close", "back", "✓", "enter", "return"}
)

// detectKeyboard looks for a keyboard the way a person would: explicit
// keyboard text, a row of single-letter keys, a keyboard template, or a
// dismiss key in the lower part of the screen.
func detectKeyboard(text *vision.TextResult, patterns *vision.PatternResult, height int) bool {
	if _, ok := patterns.Find("keyboard"); ok {
		return true
	}
	lower := text.Lower()
	if containsAny(lower, strongKeyboardText) {
		return true
	}
	for _, line := range strings.Split(lower, "\n") {
		if isKeyRow(line) {
			return true
		}
	}
	for _, r := range text.LineRegions {
		if !containsAny(strings.ToLower(r.Text), keyboardKeys) {
			continue
		}
		if height > 0 && float64(r.Bounds.Y) > 0.55*float64(height) {
			return true
		}
	}
	return false
}

// isKeyRow matches lines like "q w e r t y u i o p".
func isKeyRow(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return false
	}
	for _, f := range fields {
		if len([]rune(f)) != 1 {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
