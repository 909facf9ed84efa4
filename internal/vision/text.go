// File: internal/vision/text.go
package vision

import (
	"context"
	"regexp"
	"strings"
)

// Rect is a bounding box in screenshot pixels.
type Rect struct {
	X, Y, W, H int
}

// Union returns the smallest rectangle covering r and o.
func (r Rect) Union(o Rect) Rect {
	x0, y0 := min(r.X, o.X), min(r.Y, o.Y)
	x1, y1 := max(r.X+r.W, o.X+o.W), max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Center returns the midpoint of r.
func (r Rect) Center() (int, int) {
	return r.X + r.W/2, r.Y + r.H/2
}

// TextRegion is one OCR word with its location.
type TextRegion struct {
	Text       string
	Bounds     Rect
	Confidence float64
}

// TextResult is the output of one OCR pass, with lines pre-classified by keyword family.
type TextResult struct {
	FullText         string
	ErrorLines       []string
	LoadingLines     []string
	ScreenIndicators []string
	ButtonLabels     []string
	// Regions are single words; LineRegions span whole OCR lines.
	Regions     []TextRegion
	LineRegions []TextRegion
}

// Lower returns the full text lowercased.
func (r *TextResult) Lower() string {
	if r == nil {
		return ""
	}
	return strings.ToLower(r.FullText)
}

// Contains reports whether the text contains s, case-insensitively.
func (r *TextResult) Contains(s string) bool {
	return strings.Contains(r.Lower(), strings.ToLower(s))
}

// FindRegion returns the first word region whose text contains s, case-insensitively.
func (r *TextResult) FindRegion(s string) (TextRegion, bool) {
	if r == nil {
		return TextRegion{}, false
	}
	needle := strings.ToLower(s)
	for _, reg := range r.LineRegions {
		if strings.Contains(strings.ToLower(reg.Text), needle) {
			return reg, true
		}
	}
	for _, reg := range r.Regions {
		if strings.Contains(strings.ToLower(reg.Text), needle) {
			return reg, true
		}
	}
	// Multi-word targets: match on the first word and accept it when the full
	// phrase is present in the text.
	if words := strings.Fields(needle); len(words) > 1 && strings.Contains(r.Lower(), needle) {
		for _, reg := range r.Regions {
			if strings.EqualFold(reg.Text, words[0]) {
				return reg, true
			}
		}
	}
	return TextRegion{}, false
}

// TextExtractor is the OCR service boundary. Implementations should return an
// empty result rather than an error when the engine is missing.
type TextExtractor interface {
	ExtractText(ctx context.Context, png []byte) (*TextResult, error)
}

var (
	errorKeywords = []string{
		"error", "invalid", "required", "cannot", "must", "failed",
		"incorrect", "wrong", "missing", "not found", "unable",
	}
	screenKeywords = []string{
		"mood management", "mood tracking", "sign in", "sign up", "create account",
		"landing", "home", "settings", "profile", "history",
	}
	buttonKeywords = []string{
		"save", "cancel", "submit", "create", "delete", "edit",
		"back", "next", "continue", "confirm", "ok", "yes", "no",
		"sign in", "sign up", "login", "account", "get started",
		"add", "new", "view", "history", "settings", "profile",
	}
	loadingKeywords = []string{"loading", "please wait", "processing", "saving", "uploading"}
)

var wordBoundary = map[string]*regexp.Regexp{}

func init() {
	for _, k := range buttonKeywords {
		wordBoundary[k] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(k) + `\b`)
	}
}

// Classify splits text into lines and sorts them into keyword families.
// Regions are left empty; callers that have word boxes attach them.
func Classify(text string) *TextResult {
	res := &TextResult{FullText: text}
	lines := nonEmptyLines(text)

	res.ErrorLines = matchLines(lines, errorKeywords)
	res.LoadingLines = matchLines(lines, loadingKeywords)
	res.ScreenIndicators = matchLines(lines, screenKeywords)
	res.ButtonLabels = buttonLabels(text, lines)
	return res
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func matchLines(lines, keywords []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lines {
		lower := strings.ToLower(l)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				if !seen[l] {
					seen[l] = true
					out = append(out, l)
				}
				break
			}
		}
	}
	return out
}

func buttonLabels(text string, lines []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if k := strings.ToLower(s); !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	for _, l := range matchLines(lines, buttonKeywords) {
		words := strings.Fields(l)
		if len(words) > 5 {
			words = words[:5]
		}
		add(strings.Join(words, " "))
	}
	for _, k := range buttonKeywords {
		if wordBoundary[k].MatchString(text) {
			add(strings.ToUpper(k[:1]) + k[1:])
		}
	}
	return out
}
