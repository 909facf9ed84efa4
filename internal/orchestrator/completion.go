// File: internal/orchestrator/completion.go
package orchestrator

import (
	"context"
	"strings"

	"github.com/xkilldash9x/sightline/internal/action"
)

// Executor runs observing actions (CaptureState, Verify) directly.
type Executor interface {
	Execute(ctx context.Context, a action.HumanAction) action.Result
}

// Completion decides whether the task is done. It is checked after every
// batch, before stagnation.
type Completion interface {
	Complete(ctx context.Context, exec Executor) bool
	String() string
}

// verifies is a Completion made of a single Verify.
type verifies struct {
	cond action.VerifyCondition
}

func (v verifies) Complete(ctx context.Context, exec Executor) bool {
	return exec.Execute(ctx, action.Verify{Condition: v.cond}).Success
}

func (v verifies) String() string { return v.cond.String() }

// Authenticated is met when the screen shows a signed-in session.
func Authenticated() Completion {
	return verifies{cond: action.Authenticated{}}
}

// TextVisible is met when text is on screen.
func TextVisible(text string) Completion {
	return verifies{cond: action.TextPresent{Text: text}}
}

// ScreenIs is met when the current screen name matches name.
func ScreenIs(name string) Completion {
	return verifies{cond: action.ScreenIs{Name: name}}
}

type all []Completion

// All is met when every c is met. Evaluation stops at the first miss.
func All(cs ...Completion) Completion {
	return all(cs)
}

func (a all) Complete(ctx context.Context, exec Executor) bool {
	for _, c := range a {
		if !c.Complete(ctx, exec) {
			return false
		}
	}
	return true
}

func (a all) String() string {
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}

// AuthenticatedAndText is the usual sign-up/sign-in completion: a session
// plus some text the task should have produced.
func AuthenticatedAndText(text string) Completion {
	return All(Authenticated(), TextVisible(text))
}

// CompletionFunc adapts a plain function.
type CompletionFunc func(ctx context.Context, exec Executor) bool

func (f CompletionFunc) Complete(ctx context.Context, exec Executor) bool { return f(ctx, exec) }

func (f CompletionFunc) String() string { return "custom" }
