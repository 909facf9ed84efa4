package planner

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/action"
)

func newHeuristic(t *testing.T) *HeuristicTier {
	return NewHeuristicTier(zaptest.NewLogger(t), CredentialGenerator{Rand: rand.New(rand.NewPCG(1, 2))})
}

func TestHeuristicCorrectsInvalidEmail(t *testing.T) {
	h := newHeuristic(t)
	req := Request{
		Task:    "sign up",
		Persona: Persona{Name: "sam", TechSkill: 5},
		Errors:  []string{"Error detected via text: Invalid email format"},
	}

	plan, err := h.Plan(context.Background(), req)

	require.NoError(t, err)
	require.Len(t, plan.Actions, 3)
	typed, ok := plan.Actions[0].(action.TypeText)
	require.True(t, ok)
	assert.Equal(t, "Email field", typed.Target)
	assert.True(t, typed.ClearFirst)
	assert.Contains(t, typed.Text, "@")
	assert.Equal(t, action.Tap{Target: "Create account"}, plan.Actions[1])
	assert.Equal(t, action.WaitFor{Condition: action.LoadingComplete{}, Timeout: 25 * time.Second}, plan.Actions[2])
	assert.Equal(t, typed.Text, h.CredentialsFor(req.Persona).Email, "the corrected email is remembered")
}

func TestHeuristicStrengthensWeakPassword(t *testing.T) {
	h := newHeuristic(t)

	plan, err := h.Plan(context.Background(), Request{
		Task:   "sign in",
		Errors: []string{"Password is too short"},
	})

	require.NoError(t, err)
	assert.Equal(t, []action.HumanAction{
		action.TypeText{Target: "Password field", Text: "SecurePass123!@#", AccessibilityID: "Password input field", ClearFirst: true},
		action.Tap{Target: "Sign in"},
		action.WaitFor{Condition: action.LoadingComplete{}, Timeout: 25 * time.Second},
	}, plan.Actions)
}

func TestHeuristicIgnoresUnrecognisedErrors(t *testing.T) {
	h := newHeuristic(t)
	goal := goalOf(t, "sign up", GoalAuthenticate)

	plan, err := h.Plan(context.Background(), Request{Task: "sign up", Goal: &goal, Errors: []string{"Server unavailable"}})

	require.NoError(t, err)
	assert.Equal(t, "authenticate", plan.GoalID)
	assert.Equal(t, action.WaitFor{Condition: action.ElementVisible{Element: "Create account"}, Timeout: 10 * time.Second}, plan.Actions[0])
}

func TestHeuristicScriptsCurrentGoalOnly(t *testing.T) {
	h := newHeuristic(t)
	persona := Persona{Name: "novice", TechSkill: 2}
	goal := goalOf(t, "sign up and add a mood", GoalAddDataEntry)

	plan, err := h.Plan(context.Background(), Request{Task: "sign up and add a mood", Persona: persona, Goal: &goal})

	require.NoError(t, err)
	assert.Equal(t, []action.HumanAction{
		action.Tap{Target: "Add mood", Text: "Add"},
		action.TypeText{Target: "mood field", Text: "7"},
		action.Tap{Target: "Save button", Text: "Save"},
		action.WaitFor{Condition: action.LoadingComplete{}, Timeout: 15 * time.Second},
	}, plan.Actions)
}

func TestHeuristicScriptsWholeTaskWithoutGoal(t *testing.T) {
	h := newHeuristic(t)
	persona := Persona{Name: "novice", TechSkill: 2}

	plan, err := h.Plan(context.Background(), Request{Task: "sign up and view history", Persona: persona})

	require.NoError(t, err)
	var typedPassword string
	for _, a := range plan.Actions {
		if tt, ok := a.(action.TypeText); ok && strings.HasPrefix(tt.Target, "Password") {
			typedPassword = tt.Text
		}
	}
	assert.Equal(t, "password123", typedPassword)
	assert.Equal(t, action.Verify{Condition: action.TextPresent{Text: "History"}}, plan.Actions[len(plan.Actions)-1])
}

func TestHeuristicNoGoalsNoPlan(t *testing.T) {
	_, err := newHeuristic(t).Plan(context.Background(), Request{Task: "do something vague"})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestCredentialsFollowSkill(t *testing.T) {
	gen := CredentialGenerator{Rand: rand.New(rand.NewPCG(7, 7))}

	assert.Equal(t, "password123", gen.Password(Persona{TechSkill: 1}))
	assert.Regexp(t, `^TestPass\d{4}!$`, gen.Password(Persona{TechSkill: 5}))
	assert.Regexp(t, `^SecureP@ss\d{4}!#$`, gen.Password(Persona{TechSkill: 9}))
	assert.Regexp(t, `^[a-z]+\.[a-z]+\+test\d+@gmail\.com$`, gen.Email(Persona{TechSkill: 9}))
	assert.Regexp(t, `^[a-z]+\d+@`, gen.Email(Persona{TechSkill: 2}))
}

func TestParsePersona(t *testing.T) {
	tests := []struct {
		in   string
		want Persona
	}{
		{"", DefaultPersona},
		{"novice", Persona{Name: "novice", TechSkill: 2}},
		{"Savvy", Persona{Name: "Savvy", TechSkill: 9}},
		{"grandma:1", Persona{Name: "grandma", TechSkill: 1}},
		{"dev:42", Persona{Name: "dev", TechSkill: 10}},
		{"alex", Persona{Name: "alex", TechSkill: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePersona(tt.in))
		})
	}
}
