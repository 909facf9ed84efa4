// File: internal/screen/evaluation_test.go
package screen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func obs(t ObservationType, s Severity) Observation {
	return Observation{Type: t, Severity: s, Message: string(t)}
}

func TestDeriveOverallState(t *testing.T) {
	cases := []struct {
		name string
		in   []Observation
		want EvaluationState
	}{
		{"empty", nil, StatePass},
		{"positive only", []Observation{obs(ObservationSuccessIndicator, SeverityPositive)}, StatePass},
		{"critical", []Observation{obs(ObservationError, SeverityCritical)}, StateFail},
		{"blocking medium", []Observation{obs(ObservationBlockingElement, SeverityMedium)}, StateFail},
		{"high", []Observation{obs(ObservationMissingElement, SeverityHigh)}, StatePassWithIssues},
		{"medium", []Observation{obs(ObservationLoadingIndicator, SeverityMedium)}, StatePassWithIssues},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveOverallState(tc.in))
		})
	}
}

// Adding a CRITICAL or BLOCKING_ELEMENT finding never improves the verdict.
func TestDeriveOverallStateMonotonic(t *testing.T) {
	pool := []Observation{
		obs(ObservationSuccessIndicator, SeverityPositive),
		obs(ObservationLoadingIndicator, SeverityMedium),
		obs(ObservationMissingElement, SeverityHigh),
		obs(ObservationWarning, SeverityLow),
		obs(ObservationError, SeverityCritical),
		obs(ObservationBlockingElement, SeverityHigh),
	}
	worsening := []Observation{
		obs(ObservationError, SeverityCritical),
		obs(ObservationBlockingElement, SeverityMedium),
	}

	// Every subset of the pool.
	for mask := 0; mask < 1<<len(pool); mask++ {
		var set []Observation
		for i := range pool {
			if mask&(1<<i) != 0 {
				set = append(set, pool[i])
			}
		}
		before := DeriveOverallState(set)
		for _, w := range worsening {
			after := DeriveOverallState(append(append([]Observation{}, set...), w))
			assert.False(t, before.WorseThan(after), "mask %b: %s -> %s", mask, before, after)
			assert.Equal(t, StateFail, after)
		}
	}
}

func TestNewEvaluation(t *testing.T) {
	in := []Observation{
		{Type: ObservationBlockingElement, Severity: SeverityMedium, Message: "Keyboard is visible on screen (may block interaction)", Element: KeyboardElement},
		{Type: ObservationBlockingElement, Severity: SeverityHigh, Message: "Blocking dialog detected"},
		{Type: ObservationError, Severity: SeverityHigh, Message: "Invalid email"},
		obs(ObservationSuccessIndicator, SeverityPositive),
	}
	e := NewEvaluation(in, Screenshot{Path: "a.png"})

	assert.Equal(t, StateFail, e.OverallState)
	assert.True(t, e.HasKeyboard)
	assert.Equal(t, []string{KeyboardElement, "Blocking dialog detected"}, e.BlockingElements)
	assert.True(t, e.HasErrors())
	assert.False(t, e.IsLoading())
	assert.Equal(t, []string{"Invalid email"}, e.ErrorMessages())
	assert.Equal(t, "Screen evaluation: FAIL; 2 high severity issue(s); 1 medium severity issue(s); 1 positive indicator(s)", e.Summary)
}

func TestSummarizePassWithIssues(t *testing.T) {
	s := Summarize(StatePassWithIssues, []Observation{obs(ObservationError, SeverityCritical)})
	assert.Equal(t, "Screen evaluation: PASS WITH ISSUES; 1 critical issue(s)", s)
}
