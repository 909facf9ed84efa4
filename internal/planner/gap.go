// File: internal/planner/gap.go
package planner

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/monitor"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// ScreenType is the generic kind of screen the gap planner believes it is on.
type ScreenType string

const (
	ScreenLanding        ScreenType = "LANDING"
	ScreenAuthentication ScreenType = "AUTHENTICATION"
	ScreenForm           ScreenType = "FORM"
	ScreenDataView       ScreenType = "DATA_VIEW"
	ScreenUnknown        ScreenType = "UNKNOWN"
)

// TargetState is the configuration a goal type asks for.
type TargetState string

const (
	TargetAuthenticated     TargetState = "AUTHENTICATED"
	TargetDataEntryComplete TargetState = "DATA_ENTRY_COMPLETE"
	TargetViewingData       TargetState = "VIEWING_DATA"
	TargetAtFeature         TargetState = "AT_FEATURE"
	TargetUnknown           TargetState = "UNKNOWN"
)

// Gap is the delta between what is on screen and what the goal needs.
type Gap string

const (
	GapNavigateToAuthentication Gap = "NAVIGATE_TO_AUTHENTICATION"
	GapShowAuthenticationForm   Gap = "SHOW_AUTHENTICATION_FORM"
	GapFillAuthenticationForm   Gap = "FILL_AUTHENTICATION_FORM"
	GapVerifyAuthentication     Gap = "VERIFY_AUTHENTICATION"
	GapNavigateToForm           Gap = "NAVIGATE_TO_FORM"
	GapFillAndSubmitForm        Gap = "FILL_AND_SUBMIT_FORM"
	GapNavigateToDataView       Gap = "NAVIGATE_TO_DATA_VIEW"
	GapVerifyDataVisible        Gap = "VERIFY_DATA_VISIBLE"
	GapNavigateToFeature        Gap = "NAVIGATE_TO_FEATURE"
	GapAuthenticateFirst        Gap = "AUTHENTICATE_FIRST"
	GapFindForm                 Gap = "FIND_FORM"
	GapUnknown                  Gap = "UNKNOWN"
)

const (
	authSubmitWait = 25 * time.Second
	formSubmitWait = 15 * time.Second
)

// Observed is what the gap planner read off one screenshot.
type Observed struct {
	ScreenName    string
	ScreenType    ScreenType
	Authenticated bool
	HasFormFields bool
	HasSubmit     bool
	Buttons       []string
	Inputs        []string
}

// Plan is an ordered batch of actions and why it was chosen.
type Plan struct {
	Actions  []action.HumanAction
	Gap      Gap
	GoalID   string
	Observed Observed
	// Tier names the planner that produced the plan.
	Tier string
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool { return len(p.Actions) == 0 }

// Analyzer is the slice of the Visual Evaluator the gap planner uses.
type Analyzer interface {
	Analyze(ctx context.Context, shot screen.Screenshot, exp evaluator.Expectations) (*evaluator.Analysis, error)
}

// GapPlanner works out, for any abstract goal, the next actions from what is
// visible. It knows nothing about a particular app: task vocabulary reaches it
// only through the goal's dataType hint.
type GapPlanner struct {
	logger *zap.Logger
	eval   Analyzer
	creds  Credentials
}

// GapOption configures a GapPlanner.
type GapOption func(*GapPlanner)

// WithCredentials sets what the planner types into authentication forms.
func WithCredentials(c Credentials) GapOption {
	return func(p *GapPlanner) {
		if c.Email != "" {
			p.creds.Email = c.Email
		}
		if c.Password != "" {
			p.creds.Password = c.Password
		}
	}
}

// NewGapPlanner creates a GapPlanner.
func NewGapPlanner(logger *zap.Logger, eval Analyzer, opts ...GapOption) *GapPlanner {
	p := &GapPlanner{
		logger: logger.Named("gap_planner"),
		eval:   eval,
		creds:  Credentials{Email: "user@example.com", Password: "SecurePass123!"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan observes shot and returns the actions closing the gap to goal. An
// empty plan is a valid answer meaning the caller should fall back.
func (p *GapPlanner) Plan(ctx context.Context, goal Goal, shot screen.Screenshot, history []action.Result) (Plan, error) {
	an, err := p.eval.Analyze(ctx, shot, evaluator.Expectations{})
	if err != nil {
		return Plan{}, fmt.Errorf("failed to analyze screen for goal %s: %w", goal.ID, err)
	}

	obs := Observe(an, goal.DataType())
	gap := IdentifyGap(TargetFor(goal.Type), obs)
	visibleText := an.Text.Lower()

	p.logger.Info("Observed screen for planning.",
		zap.String("goal", string(goal.Type)),
		zap.String("screen", obs.ScreenName),
		zap.String("screen_type", string(obs.ScreenType)),
		zap.Bool("authenticated", obs.Authenticated),
		zap.Int("buttons", len(obs.Buttons)),
		zap.Int("inputs", len(obs.Inputs)),
		zap.String("gap", string(gap)))
	if visibleText == "" {
		p.logger.Warn("No text extracted from screenshot.",
			zap.String("path", shot.Path),
			zap.String("error_code", "OCR_EMPTY"))
	}

	actions := p.actionsFor(gap, obs, an.Elements, visibleText, goal.DataType(), failedTaps(history))
	if len(actions) == 0 {
		p.logger.Info("No actions for gap; caller should fall back.", zap.String("gap", string(gap)))
	}
	return Plan{Actions: actions, Gap: gap, GoalID: goal.ID, Observed: obs}, nil
}

var (
	genericButtons = []string{
		"sign in", "sign up", "login", "create account", "get started",
		"continue", "next", "submit", "save", "cancel", "ok", "done",
		"add", "create", "new", "view", "history", "list", "settings", "profile",
	}
	inputPatterns = []string{"email", "password", "username", "name", "score", "value", "enter", "input"}
	navTerms      = []string{"sign", "login", "account", "get started", "continue", "next"}
	lettersOnly   = regexp.MustCompile(`^[A-Za-z\s]+$`)
	numeric       = regexp.MustCompile(`^\d+(:\d+)?$`)
)

// Observe derives the generic observed state from one analysis. Structured
// interactive elements win; plain text patterns are the fallback.
func Observe(an *evaluator.Analysis, hint string) Observed {
	var buttons, inputs []string
	for _, el := range an.Elements {
		if el.Text == "" {
			continue
		}
		switch el.Affordance {
		case evaluator.Tappable:
			buttons = appendUnique(buttons, el.Text)
		case evaluator.Typeable:
			inputs = appendUnique(inputs, el.Text)
		}
	}
	text := an.Text.Lower()
	if len(buttons) == 0 {
		buttons = buttonLikeText(text, hint)
	}
	if len(an.Elements) == 0 {
		inputs = inputFields(text)
	}

	obs := Observed{
		ScreenName:    monitor.ScreenName(an),
		Buttons:       buttons,
		Inputs:        inputs,
		HasFormFields: len(inputs) > 0,
		HasSubmit:     anyContains(buttons, "save", "submit", "create", "add"),
		Authenticated: strings.Contains(text, "sign out") ||
			strings.Contains(text, "logout") ||
			strings.Contains(text, "profile") ||
			(strings.Contains(text, "history") && !strings.Contains(text, "sign in")),
	}
	switch {
	case containsAny(text, "sign in", "sign up", "login", "authenticate"):
		obs.ScreenType = ScreenAuthentication
	case len(inputs) > 0 && anyContains(buttons, "save", "submit"):
		obs.ScreenType = ScreenForm
	case containsAny(text, "history", "list", "view"):
		obs.ScreenType = ScreenDataView
	case len(buttons) == 0 && len(inputs) == 0:
		obs.ScreenType = ScreenLanding
	default:
		obs.ScreenType = ScreenUnknown
	}
	return obs
}

// TargetFor maps a goal type to the state it requires.
func TargetFor(t GoalType) TargetState {
	switch t {
	case GoalAuthenticate:
		return TargetAuthenticated
	case GoalAddDataEntry:
		return TargetDataEntryComplete
	case GoalViewData:
		return TargetViewingData
	case GoalNavigateToFeature:
		return TargetAtFeature
	default:
		return TargetUnknown
	}
}

// IdentifyGap is the gap table over (target, observed).
func IdentifyGap(target TargetState, obs Observed) Gap {
	switch target {
	case TargetAuthenticated:
		switch {
		case obs.Authenticated:
			return GapVerifyAuthentication
		case obs.ScreenType != ScreenAuthentication:
			return GapNavigateToAuthentication
		case !obs.HasFormFields:
			return GapShowAuthenticationForm
		default:
			return GapFillAuthenticationForm
		}
	case TargetDataEntryComplete:
		switch {
		case !obs.Authenticated:
			return GapAuthenticateFirst
		case obs.ScreenType != ScreenForm:
			return GapNavigateToForm
		case obs.HasFormFields && obs.HasSubmit:
			return GapFillAndSubmitForm
		default:
			return GapFindForm
		}
	case TargetViewingData:
		switch {
		case !obs.Authenticated:
			return GapAuthenticateFirst
		case obs.ScreenType != ScreenDataView:
			return GapNavigateToDataView
		default:
			return GapVerifyDataVisible
		}
	case TargetAtFeature:
		return GapNavigateToFeature
	default:
		return GapUnknown
	}
}

func (p *GapPlanner) actionsFor(gap Gap, obs Observed, elements []evaluator.InteractiveElement, text, hint string, avoid map[string]bool) []action.HumanAction {
	var out []action.HumanAction
	tap := func(label string) {
		out = append(out, action.Tap{Target: label, Text: label})
	}

	switch gap {
	case GapNavigateToAuthentication:
		if el, ok := firstTappable(elements, avoid, "sign", "login", "account"); ok {
			tap(el.Text)
			break
		}
		if b, ok := firstContaining(obs.Buttons, avoid, "sign", "login", "account"); ok {
			tap(b)
			break
		}
		if b, ok := firstContaining(obs.Buttons, avoid); ok {
			p.logger.Info("No explicit auth button; trying first available button.", zap.String("button", b))
			tap(b)
			break
		}
		if guess, ok := navGuess(text); ok {
			out = append(out, action.Tap{Target: guess, Text: guess})
		}

	case GapShowAuthenticationForm:
		if b, ok := firstContaining(obs.Buttons, avoid, "email", "password", "show"); ok {
			tap(b)
		}

	case GapFillAuthenticationForm:
		var typedEmail, typedPassword bool
		for _, in := range obs.Inputs {
			l := strings.ToLower(in)
			switch {
			case !typedEmail && (strings.Contains(l, "email") || strings.Contains(l, "username")):
				typedEmail = true
				out = append(out, action.TypeText{Target: "Email field", Text: p.creds.Email, AccessibilityID: "Email address input field"})
			case !typedPassword && strings.Contains(l, "password"):
				typedPassword = true
				out = append(out, action.TypeText{Target: "Password field", Text: p.creds.Password, AccessibilityID: "Password input field"})
			}
		}
		if b, ok := firstContaining(obs.Buttons, nil, "create", "sign", "submit"); ok {
			tap(b)
			out = append(out, action.WaitFor{Condition: action.LoadingComplete{}, Timeout: authSubmitWait})
		}

	case GapFillAndSubmitForm:
		for _, in := range obs.Inputs {
			out = append(out, action.TypeText{
				Target:          in + " field",
				Text:            valueFor(in),
				AccessibilityID: in + " input field",
			})
		}
		if b, ok := firstContaining(obs.Buttons, nil, "save", "submit", "add"); ok {
			tap(b)
			out = append(out, action.WaitFor{Condition: action.LoadingComplete{}, Timeout: formSubmitWait})
		}

	case GapVerifyAuthentication:
		out = append(out, action.Verify{Condition: action.Authenticated{}})

	case GapNavigateToForm, GapNavigateToDataView, GapNavigateToFeature:
		var terms []string
		if hint != "" {
			terms = []string{hint}
		}
		if el, ok := firstTappable(elements, avoid, terms...); ok {
			tap(el.Text)
			break
		}
		if el, ok := firstTappable(elements, avoid); ok {
			tap(el.Text)
			break
		}
		if b, ok := firstContaining(obs.Buttons, avoid); ok {
			tap(b)
			break
		}
		if label, ok := navPattern(text, hint); ok {
			out = append(out, action.Tap{Target: label, Text: label})
		} else {
			p.logger.Warn("No navigation affordance visible.",
				zap.String("gap", string(gap)),
				zap.String("error_code", "NO_NAVIGATION_TARGET"))
		}

	case GapFindForm:
		if b, ok := firstContaining(obs.Buttons, avoid, "add", "create", "new"); ok {
			tap(b)
		}

	case GapVerifyDataVisible:
		out = append(out, action.Verify{Condition: action.TextPresent{Text: "History"}})

	case GapAuthenticateFirst:
		// Deferred to the authentication goal.

	default:
		p.logger.Warn("Unknown gap; no actions generated.", zap.String("error_code", "UNKNOWN_GAP"))
	}
	return out
}

// buttonLikeText finds generic button words in text, widened by hint.
func buttonLikeText(text, hint string) []string {
	var out []string
	for _, pat := range genericButtons {
		if strings.Contains(text, pat) {
			out = appendUnique(out, pat)
		}
	}
	if hint != "" {
		for _, pat := range []string{hint, "add " + hint, hint + " management", "track " + hint, "view " + hint} {
			if strings.Contains(text, strings.ToLower(pat)) {
				out = appendUnique(out, pat)
			}
		}
	}
	return out
}

func inputFields(text string) []string {
	var out []string
	for _, pat := range inputPatterns {
		if strings.Contains(text, pat) {
			out = append(out, pat)
		}
	}
	return out
}

// navGuess derives a tap target from raw text when nothing looks like a
// button. Anything that is not a short all-letter navigation phrase is
// rejected.
func navGuess(text string) (string, bool) {
	var guess string
	switch {
	case strings.Contains(text, "sign"):
		guess = "Sign in"
	case strings.Contains(text, "login"):
		guess = "Login"
	case strings.Contains(text, "account"):
		guess = "Account"
	default:
		for _, w := range strings.Fields(text) {
			if len(w) > 3 && !numeric.MatchString(w) && !strings.Contains(w, ":") {
				guess = strings.ToUpper(w[:1]) + w[1:]
				break
			}
		}
	}
	return guess, validNavText(guess)
}

func validNavText(s string) bool {
	return len(s) >= 4 &&
		!strings.Contains(s, ":") &&
		lettersOnly.MatchString(s) &&
		containsAny(strings.ToLower(s), navTerms...)
}

// navPattern is the last-resort navigation label read from raw text.
func navPattern(text, hint string) (string, bool) {
	if hint != "" && strings.Contains(text, strings.ToLower(hint)) {
		for _, pat := range []string{hint + " management", "add " + hint, "track " + hint} {
			if strings.Contains(text, strings.ToLower(pat)) {
				return pat, true
			}
		}
		return hint, true
	}
	for _, pair := range [][2]string{{"add", "Add"}, {"create", "Create"}, {"new", "New"}, {"view", "View"}, {"history", "History"}} {
		if strings.Contains(text, pair[0]) {
			return pair[1], true
		}
	}
	return "", false
}

func valueFor(input string) string {
	l := strings.ToLower(input)
	switch {
	case strings.Contains(l, "email"):
		return "user@example.com"
	case strings.Contains(l, "password"):
		return "SecurePass123!"
	case strings.Contains(l, "score"), strings.Contains(l, "value"):
		return "7"
	case strings.Contains(l, "number"):
		return "5"
	default:
		return "test value"
	}
}

// failedTaps collects targets of taps that failed in the last three steps,
// so navigation does not pick the same dead element again.
func failedTaps(history []action.Result) map[string]bool {
	avoid := map[string]bool{}
	for _, r := range history[max(0, len(history)-3):] {
		if t, ok := r.Action.(action.Tap); ok && !r.Success && r.Code == action.ErrCodeElementNotFound {
			avoid[t.Target] = true
		}
	}
	return avoid
}

func firstTappable(elements []evaluator.InteractiveElement, avoid map[string]bool, terms ...string) (evaluator.InteractiveElement, bool) {
	for _, el := range elements {
		if el.Affordance != evaluator.Tappable || el.Text == "" || avoid[el.Text] {
			continue
		}
		if len(terms) == 0 || containsAny(strings.ToLower(el.Text), terms...) {
			return el, true
		}
	}
	return evaluator.InteractiveElement{}, false
}

func firstContaining(labels []string, avoid map[string]bool, terms ...string) (string, bool) {
	for _, l := range labels {
		if avoid[l] {
			continue
		}
		if len(terms) == 0 || containsAny(strings.ToLower(l), terms...) {
			return l, true
		}
	}
	return "", false
}

func anyContains(labels []string, terms ...string) bool {
	_, ok := firstContaining(labels, nil, terms...)
	return ok
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func appendUnique(xs []string, s string) []string {
	if slices.Contains(xs, s) {
		return xs
	}
	return append(xs, s)
}
