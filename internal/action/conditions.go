// File: internal/action/conditions.go
package action

import (
	"strings"

	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/screen"
)

var (
	authenticatedIndicators   = []string{"sign out", "logout", "log out", "signed in", "profile", "settings"}
	unauthenticatedIndicators = []string{"sign in", "sign up", "login", "create account"}
)

// LooksAuthenticated judges sign-in state from visible text: some signed-in
// indicator is present and no sign-in prompt is.
func LooksAuthenticated(text string) bool {
	return containsAnyFold(text, authenticatedIndicators) && !containsAnyFold(text, unauthenticatedIndicators)
}

func screenNameOf(an *evaluator.Analysis) string {
	if an == nil || an.Text == nil || len(an.Text.ScreenIndicators) == 0 {
		return ""
	}
	return an.Text.ScreenIndicators[0]
}

// seen reports whether s is visible as text or as an element label.
func seen(an *evaluator.Analysis, s string) bool {
	if an == nil || s == "" {
		return false
	}
	if an.Text != nil && an.Text.Contains(s) {
		return true
	}
	for _, el := range an.Elements {
		if containsFold(el.Label(), s) {
			return true
		}
	}
	return false
}

func waitMatched(c WaitCondition, an *evaluator.Analysis, baseline string) bool {
	switch v := c.(type) {
	case ElementVisible:
		return seen(an, v.Element)
	case ElementEnabled:
		// Enabled-ness is not visible; a visible element is assumed usable.
		return seen(an, v.Element)
	case TextAppears:
		return seen(an, v.Text)
	case ScreenChanged:
		name := screenNameOf(an)
		if v.Expected != "" {
			return containsFold(name, v.Expected) || (an.Text != nil && an.Text.Contains(v.Expected))
		}
		return name != "" && name != baseline
	case LoadingComplete:
		return an != nil && an.Evaluation != nil && !an.Evaluation.IsLoading()
	default:
		return false
	}
}

// stateMatched checks a published state. Loading completion is left to a
// fresh screen read, since a stale non-loading state would match too early.
func stateMatched(c WaitCondition, s *screen.State, baseline string) bool {
	if s == nil {
		return false
	}
	switch v := c.(type) {
	case ElementVisible:
		return stateShows(s, v.Element)
	case ElementEnabled:
		return stateShows(s, v.Element)
	case TextAppears:
		return stateShows(s, v.Text)
	case ScreenChanged:
		if v.Expected != "" {
			return containsFold(s.ScreenName, v.Expected)
		}
		return s.ScreenName != "" && s.ScreenName != baseline
	default:
		return false
	}
}

func stateShows(s *screen.State, text string) bool {
	if text == "" {
		return false
	}
	if containsFold(s.ScreenName, text) {
		return true
	}
	for _, el := range s.VisibleElements {
		if containsFold(el, text) {
			return true
		}
	}
	return false
}

func verified(c VerifyCondition, an *evaluator.Analysis, cur *screen.State) bool {
	switch v := c.(type) {
	case ElementPresent:
		return seen(an, v.Element)
	case TextPresent:
		return an.Text != nil && an.Text.Contains(v.Text)
	case ScreenIs:
		if cur != nil && (strings.EqualFold(cur.ScreenName, v.Name) || cur.HasElement(v.Name)) {
			return true
		}
		if an.Text == nil {
			return false
		}
		for _, ind := range an.Text.ScreenIndicators {
			if strings.EqualFold(ind, v.Name) {
				return true
			}
		}
		return false
	case Authenticated:
		text := ""
		if an.Text != nil {
			text = an.Text.FullText
		}
		return LooksAuthenticated(text) != v.SignedOut
	default:
		return false
	}
}

func containsFold(s, sub string) bool {
	return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func containsAnyFold(s string, subs []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
