// File: internal/planner/heuristic.go
package planner

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
)

// strongPassword replaces one the app rejected as weak.
const strongPassword = "SecurePass123!@#"

// HeuristicTier is the fixed-script fallback. It reacts to on-screen errors
// first, then scripts the current goal with generic labels.
type HeuristicTier struct {
	logger *zap.Logger
	gen    CredentialGenerator

	mu    sync.Mutex
	creds map[string]Credentials
}

var _ Tier = (*HeuristicTier)(nil)

// NewHeuristicTier creates the fallback tier.
func NewHeuristicTier(logger *zap.Logger, gen CredentialGenerator) *HeuristicTier {
	return &HeuristicTier{
		logger: logger.Named("heuristic_tier"),
		gen:    gen,
		creds:  map[string]Credentials{},
	}
}

func (t *HeuristicTier) Name() string { return TierHeuristic }

// CredentialsFor returns the credentials used for p for the life of the tier.
func (t *HeuristicTier) CredentialsFor(p Persona) Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.creds[p.Name]
	if !ok {
		c = t.gen.For(p)
		t.creds[p.Name] = c
	}
	return c
}

// Plan never inspects the screenshot.
func (t *HeuristicTier) Plan(_ context.Context, req Request) (Plan, error) {
	if actions := t.corrections(req); len(actions) > 0 {
		return Plan{Actions: actions, Tier: TierHeuristic}, nil
	}

	goals := Decompose(req.Task)
	if req.Goal != nil {
		goals = []Goal{*req.Goal}
	}
	var actions []action.HumanAction
	for _, g := range goals {
		actions = append(actions, t.script(g, req)...)
	}
	if len(actions) == 0 {
		return Plan{Tier: TierHeuristic}, ErrNoPlan
	}
	p := Plan{Actions: actions, Tier: TierHeuristic}
	if req.Goal != nil {
		p.GoalID = req.Goal.ID
	}
	return p, nil
}

// corrections answers recognisable validation errors: a rejected email is
// retyped, a weak password is strengthened, and the form is resubmitted.
func (t *HeuristicTier) corrections(req Request) []action.HumanAction {
	if len(req.Errors) == 0 {
		return nil
	}
	text := strings.ToLower(strings.Join(req.Errors, " "))
	t.logger.Info("Planning around on-screen errors.", zap.Strings("errors", req.Errors))

	var out []action.HumanAction
	if strings.Contains(text, "email") && (strings.Contains(text, "invalid") || strings.Contains(text, "format")) {
		email := t.gen.Email(req.Persona)
		t.mu.Lock()
		c := t.creds[req.Persona.Name]
		c.Email = email
		t.creds[req.Persona.Name] = c
		t.mu.Unlock()
		out = append(out, action.TypeText{
			Target:          "Email field",
			Text:            email,
			AccessibilityID: "Email address input field",
			ClearFirst:      true,
		})
	}
	if strings.Contains(text, "password") && (strings.Contains(text, "weak") || strings.Contains(text, "short")) {
		out = append(out, action.TypeText{
			Target:          "Password field",
			Text:            strongPassword,
			AccessibilityID: "Password input field",
			ClearFirst:      true,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return append(out,
		action.Tap{Target: submitLabel(req.Task)},
		action.WaitFor{Condition: action.LoadingComplete{}, Timeout: authSubmitWait},
	)
}

func (t *HeuristicTier) script(g Goal, req Request) []action.HumanAction {
	switch g.Type {
	case GoalAuthenticate:
		c := t.CredentialsFor(req.Persona)
		submit := submitLabel(req.Task)
		return []action.HumanAction{
			action.WaitFor{Condition: action.ElementVisible{Element: submit}, Timeout: 10 * time.Second},
			action.Tap{Target: submit, Description: "authentication entry point"},
			action.TypeText{Target: "Email field", Text: c.Email, AccessibilityID: "Email address input field"},
			action.TypeText{Target: "Password field", Text: c.Password, AccessibilityID: "Password input field"},
			action.Tap{Target: submit + " button", Text: submit},
			action.WaitFor{Condition: action.LoadingComplete{}, Timeout: authSubmitWait},
		}
	case GoalAddDataEntry:
		dt := g.DataType()
		if dt == "" {
			dt = "data"
		}
		return []action.HumanAction{
			action.Tap{Target: "Add " + dt, Text: "Add"},
			action.TypeText{Target: dt + " field", Text: valueFor(dt + " value")},
			action.Tap{Target: "Save button", Text: "Save"},
			action.WaitFor{Condition: action.LoadingComplete{}, Timeout: formSubmitWait},
		}
	case GoalViewData:
		return []action.HumanAction{
			action.Verify{Condition: action.TextPresent{Text: "History"}},
		}
	default:
		return nil
	}
}

// submitLabel picks the button that finishes authentication for the task.
func submitLabel(task string) string {
	l := strings.ToLower(task)
	if strings.Contains(l, "sign up") || strings.Contains(l, "create account") || strings.Contains(l, "register") {
		return "Create account"
	}
	return "Sign in"
}
