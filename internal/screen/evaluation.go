// File: internal/screen/evaluation.go
package screen

import (
	"fmt"
	"strings"
)

// ObservationType classifies a single visual finding.
type ObservationType string

const (
	ObservationError              ObservationType = "ERROR"
	ObservationWarning            ObservationType = "WARNING"
	ObservationBlockingElement    ObservationType = "BLOCKING_ELEMENT"
	ObservationUnexpectedState    ObservationType = "UNEXPECTED_STATE"
	ObservationLoadingIndicator   ObservationType = "LOADING_INDICATOR"
	ObservationSuccessIndicator   ObservationType = "SUCCESS_INDICATOR"
	ObservationMissingElement     ObservationType = "MISSING_ELEMENT"
	ObservationAccessibilityIssue ObservationType = "ACCESSIBILITY_ISSUE"
)

// Severity grades an observation. Positive marks a good sign, not a problem.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityPositive Severity = "POSITIVE"
)

// Source names the modality that produced an observation.
type Source string

const (
	SourceOCR        Source = "ocr"
	SourcePattern    Source = "pattern"
	SourceIntegrated Source = "integrated"
	SourceEvaluator  Source = "evaluator"
)

// Observation is one finding about a screenshot.
type Observation struct {
	Type       ObservationType
	Severity   Severity
	Message    string
	Element    string
	Screenshot Screenshot
	Source     Source
	Confidence float64
}

// EvaluationState is the overall verdict for one screenshot.
type EvaluationState string

const (
	StatePass           EvaluationState = "PASS"
	StatePassWithIssues EvaluationState = "PASS_WITH_ISSUES"
	StateFail           EvaluationState = "FAIL"
	StateUncertain      EvaluationState = "UNCERTAIN"
)

// rank orders verdicts from best to worst.
func (s EvaluationState) rank() int {
	switch s {
	case StatePass:
		return 0
	case StatePassWithIssues:
		return 1
	case StateUncertain:
		return 2
	default:
		return 3
	}
}

// WorseThan reports whether s is a strictly worse verdict than other.
func (s EvaluationState) WorseThan(other EvaluationState) bool {
	return s.rank() > other.rank()
}

// Evaluation aggregates the observations for one screenshot.
type Evaluation struct {
	Observations     []Observation
	OverallState     EvaluationState
	Summary          string
	HasKeyboard      bool
	BlockingElements []string
	Screenshot       Screenshot
}

// NewEvaluation derives the verdict, summary and blocking list from obs.
func NewEvaluation(obs []Observation, shot Screenshot) *Evaluation {
	state := DeriveOverallState(obs)
	e := &Evaluation{
		Observations: obs,
		OverallState: state,
		Summary:      Summarize(state, obs),
		Screenshot:   shot,
	}
	for _, o := range obs {
		if o.Type != ObservationBlockingElement {
			continue
		}
		name := o.Element
		if name == "" {
			name = o.Message
		}
		e.BlockingElements = append(e.BlockingElements, name)
		if o.Element == KeyboardElement {
			e.HasKeyboard = true
		}
	}
	return e
}

// KeyboardElement is the element name used for an on-screen keyboard finding.
const KeyboardElement = "Keyboard"

// DeriveOverallState computes the verdict. Any CRITICAL or BLOCKING_ELEMENT
// observation fails the screen; otherwise any HIGH (or other non-positive)
// finding passes with issues; an empty or all-positive set passes.
func DeriveOverallState(obs []Observation) EvaluationState {
	if len(obs) == 0 {
		return StatePass
	}
	issues := false
	for _, o := range obs {
		if o.Severity == SeverityCritical || o.Type == ObservationBlockingElement {
			return StateFail
		}
		if o.Severity != SeverityPositive {
			issues = true
		}
	}
	if issues {
		return StatePassWithIssues
	}
	return StatePass
}

// Summarize renders a one-line summary such as
// "Screen evaluation: PASS WITH ISSUES; 1 high severity issue(s)".
func Summarize(state EvaluationState, obs []Observation) string {
	counts := map[Severity]int{}
	for _, o := range obs {
		counts[o.Severity]++
	}
	parts := []string{"Screen evaluation: " + strings.ReplaceAll(string(state), "_", " ")}
	labels := []struct {
		sev  Severity
		text string
	}{
		{SeverityCritical, "critical issue(s)"},
		{SeverityHigh, "high severity issue(s)"},
		{SeverityMedium, "medium severity issue(s)"},
		{SeverityPositive, "positive indicator(s)"},
	}
	for _, l := range labels {
		if n := counts[l.sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, l.text))
		}
	}
	return strings.Join(parts, "; ")
}

// ByType returns the observations of type t.
func (e *Evaluation) ByType(t ObservationType) []Observation {
	var out []Observation
	for _, o := range e.Observations {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// HasErrors reports whether any ERROR observation is present.
func (e *Evaluation) HasErrors() bool { return len(e.ByType(ObservationError)) > 0 }

// IsLoading reports whether any LOADING_INDICATOR observation is present.
func (e *Evaluation) IsLoading() bool { return len(e.ByType(ObservationLoadingIndicator)) > 0 }

// ErrorMessages returns the messages of all ERROR observations.
func (e *Evaluation) ErrorMessages() []string {
	var msgs []string
	for _, o := range e.ByType(ObservationError) {
		msgs = append(msgs, o.Message)
	}
	return msgs
}
