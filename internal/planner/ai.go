// File: internal/planner/ai.go
package planner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/llmclient"
	"github.com/xkilldash9x/sightline/internal/llmutil"
	"github.com/xkilldash9x/sightline/internal/screen"
)

const systemPrompt = `You are a test automation planner. You look at a screenshot of an app and
decide which human actions move a test task forward. You only ever answer with a JSON array.`

const actionGrammar = `Available human actions:
- Tap(target, accessibilityId, text) - tap an element
- TypeText(target, text, accessibilityId, clearFirst) - type into a field
- Swipe(direction) - UP, DOWN, LEFT or RIGHT
- WaitFor(condition, timeoutSeconds)
- NavigateBack()
- Verify(condition)

Wait conditions: ElementVisible(target), ElementEnabled(target), ScreenChanged(screen),
LoadingComplete(), TextAppears(text)
Verifications: ElementPresent(target), TextPresent(text), ScreenIs(screen), Authenticated(expected)

Return a JSON array. Each element is an object with:
- type: the action name
- target: human-readable description of the element
- accessibilityId: preferred element identifier, if known
- text: text to type, or literal label to tap
- clearFirst: for TypeText
- direction: for Swipe
- condition: {"type": ..., "target": ..., "text": ..., "screen": ..., "expected": true|false} for WaitFor/Verify
- timeoutSeconds: for WaitFor

Example:
[
  {"type": "Tap", "target": "Sign in", "accessibilityId": "Sign in button"},
  {"type": "TypeText", "target": "Email field", "text": "test@example.com"}
]`

// AITier asks a multimodal model for the next actions.
type AITier struct {
	logger *zap.Logger
	client llmclient.Client
}

var _ Tier = (*AITier)(nil)

// NewAITier wraps client as the first planning tier.
func NewAITier(logger *zap.Logger, client llmclient.Client) *AITier {
	return &AITier{logger: logger.Named("ai_tier"), client: client}
}

func (t *AITier) Name() string { return TierAI }

// Plan sends the prompt and screenshot; any failure to get a usable plan
// comes back as an error wrapping ErrNoPlan so the caller falls through.
func (t *AITier) Plan(ctx context.Context, req Request) (Plan, error) {
	img, err := screenshotBytes(req.Screenshot)
	if err != nil {
		t.logger.Warn("Screenshot unavailable for AI planning; sending text only.",
			zap.Error(err), zap.String("error_code", "SCREENSHOT_UNREADABLE"))
	}
	resp, err := t.client.Generate(ctx, llmclient.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   BuildPrompt(req),
		Image:        img,
		ForceJSON:    true,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("ai planner call failed: %w: %w", err, ErrNoPlan)
	}

	actions, skipped, err := ParseActions(resp)
	if err != nil {
		return Plan{}, fmt.Errorf("ai planner response unusable: %w: %w", err, ErrNoPlan)
	}
	for _, s := range skipped {
		t.logger.Debug("Skipped unknown action in AI plan.", zap.String("type", s))
	}
	if len(actions) == 0 {
		return Plan{Tier: TierAI}, ErrNoPlan
	}
	p := Plan{Actions: actions, Tier: TierAI}
	if req.Goal != nil {
		p.GoalID = req.Goal.ID
	}
	t.logger.Info("AI plan received.", zap.Int("actions", len(actions)), zap.Int("skipped", len(skipped)))
	return p, nil
}

// BuildPrompt renders the user prompt for one planning cycle.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Task)
	if req.Persona.Name != "" {
		fmt.Fprintf(&b, "Persona: %s\n", req.Persona)
	}
	if req.Goal != nil {
		fmt.Fprintf(&b, "Current goal: %s\n", req.Goal.Description)
	}
	if n := len(req.History); n > 0 {
		b.WriteString("\nPrevious attempts:\n")
		for _, r := range req.History[max(0, n-3):] {
			b.WriteString(r.Summary() + "\n")
		}
	}
	if len(req.Errors) > 0 {
		b.WriteString("\nERROR MESSAGES DETECTED ON SCREEN:\n")
		for _, e := range req.Errors {
			b.WriteString("- " + e + "\n")
		}
		b.WriteString("You MUST address these errors in your plan.\n")
	}
	b.WriteString("\n" + actionGrammar + "\n\nAnalyze the screenshot and return a plan to complete the task.")
	return b.String()
}

type conditionSpec struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Text     string `json:"text"`
	Screen   string `json:"screen"`
	Expected *bool  `json:"expected"`
}

type actionSpec struct {
	Type            string         `json:"type"`
	Target          string         `json:"target"`
	AccessibilityID string         `json:"accessibilityId"`
	Text            string         `json:"text"`
	ClearFirst      bool           `json:"clearFirst"`
	Direction       string         `json:"direction"`
	Condition       *conditionSpec `json:"condition"`
	TimeoutSeconds  float64        `json:"timeoutSeconds"`
}

// ParseActions decodes a model response into actions. Entries with unknown
// types or missing fields are returned by type name in skipped.
func ParseActions(response string) (actions []action.HumanAction, skipped []string, err error) {
	specs, err := llmutil.ParseJSONResponse[[]actionSpec](response)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range *specs {
		if a, ok := s.toAction(); ok {
			actions = append(actions, a)
		} else {
			skipped = append(skipped, s.Type)
		}
	}
	return actions, skipped, nil
}

func (s actionSpec) toAction() (action.HumanAction, bool) {
	switch normalize(s.Type) {
	case "tap":
		if s.Target == "" && s.Text == "" && s.AccessibilityID == "" {
			return nil, false
		}
		target := s.Target
		if target == "" {
			target = firstNonEmpty(s.Text, s.AccessibilityID)
		}
		return action.Tap{Target: target, AccessibilityID: s.AccessibilityID, Text: s.Text}, true
	case "typetext", "type":
		if s.Target == "" {
			return nil, false
		}
		return action.TypeText{Target: s.Target, Text: s.Text, AccessibilityID: s.AccessibilityID, ClearFirst: s.ClearFirst}, true
	case "swipe":
		switch d := device.Direction(strings.ToUpper(s.Direction)); d {
		case device.DirectionUp, device.DirectionDown, device.DirectionLeft, device.DirectionRight:
			return action.Swipe{Direction: d}, true
		}
		return nil, false
	case "waitfor", "wait":
		c, ok := s.Condition.wait()
		if !ok {
			return nil, false
		}
		return action.WaitFor{Condition: c, Timeout: time.Duration(s.TimeoutSeconds * float64(time.Second))}, true
	case "navigateback", "back":
		return action.NavigateBack{}, true
	case "verify":
		c, ok := s.Condition.verify()
		if !ok {
			return nil, false
		}
		return action.Verify{Condition: c}, true
	case "capturestate":
		return action.CaptureState{}, true
	default:
		return nil, false
	}
}

func (c *conditionSpec) wait() (action.WaitCondition, bool) {
	if c == nil {
		return nil, false
	}
	switch normalize(c.Type) {
	case "elementvisible":
		return action.ElementVisible{Element: c.Target}, c.Target != ""
	case "elementenabled":
		return action.ElementEnabled{Element: c.Target}, c.Target != ""
	case "screenchanged":
		return action.ScreenChanged{Expected: c.Screen}, true
	case "loadingcomplete":
		return action.LoadingComplete{}, true
	case "textappears":
		return action.TextAppears{Text: c.Text}, c.Text != ""
	default:
		return nil, false
	}
}

func (c *conditionSpec) verify() (action.VerifyCondition, bool) {
	if c == nil {
		return nil, false
	}
	switch normalize(c.Type) {
	case "elementpresent":
		return action.ElementPresent{Element: c.Target}, c.Target != ""
	case "textpresent":
		return action.TextPresent{Text: c.Text}, c.Text != ""
	case "screenis":
		return action.ScreenIs{Name: c.Screen}, c.Screen != ""
	case "authenticated":
		return action.Authenticated{SignedOut: c.Expected != nil && !*c.Expected}, true
	default:
		return nil, false
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.NewReplacer("_", "", " ", "", "-", "").Replace(s))
}

func firstNonEmpty(xs ...string) string {
	for _, x := range xs {
		if x != "" {
			return x
		}
	}
	return ""
}

func screenshotBytes(shot screen.Screenshot) ([]byte, error) {
	if len(shot.Data) > 0 {
		return shot.Data, nil
	}
	if shot.Path == "" {
		return nil, fmt.Errorf("empty screenshot handle")
	}
	return os.ReadFile(shot.Path)
}
