// File: internal/planner/tier.go
package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// ErrNoPlan means a tier had nothing to offer. It is not a failure: the
// orchestrator falls through to the next tier.
var ErrNoPlan = errors.New("planner: no plan")

// Tier names.
const (
	TierAI        = "ai"
	TierAdaptive  = "adaptive"
	TierHeuristic = "heuristic"
)

// Request is everything a tier may look at for one planning cycle.
type Request struct {
	Task    string
	Persona Persona
	// Goal is the current goal, nil when every goal is achieved or none exist.
	Goal       *Goal
	Screenshot screen.Screenshot
	// Errors are the error messages visible on screen right now.
	Errors  []string
	History []action.Result
}

// Tier produces an action batch or ErrNoPlan.
type Tier interface {
	Name() string
	Plan(ctx context.Context, req Request) (Plan, error)
}

// AdaptiveTier runs the gap planner against the current goal.
type AdaptiveTier struct {
	logger *zap.Logger
	gap    *GapPlanner
}

var _ Tier = (*AdaptiveTier)(nil)

// NewAdaptiveTier wraps gap as a planning tier.
func NewAdaptiveTier(logger *zap.Logger, gap *GapPlanner) *AdaptiveTier {
	return &AdaptiveTier{logger: logger.Named("adaptive_tier"), gap: gap}
}

func (t *AdaptiveTier) Name() string { return TierAdaptive }

// Plan returns ErrNoPlan when there is no goal or the gap yields no actions.
func (t *AdaptiveTier) Plan(ctx context.Context, req Request) (Plan, error) {
	if req.Goal == nil {
		return Plan{}, ErrNoPlan
	}
	p, err := t.gap.Plan(ctx, *req.Goal, req.Screenshot, req.History)
	if err != nil {
		return Plan{}, err
	}
	p.Tier = TierAdaptive
	if p.Empty() {
		return p, fmt.Errorf("gap %s for goal %s: %w", p.Gap, req.Goal.ID, ErrNoPlan)
	}
	return p, nil
}
