// File: internal/orchestrator/orchestrator.go
// Description: The top-level control loop. Each cycle looks at the screen,
// asks the planning tiers for a batch, performs it through the
// perception-action loop and then checks completion and stagnation.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/loop"
	"github.com/xkilldash9x/sightline/internal/planner"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// DefaultMaxCycles bounds a run when config leaves it unset.
const DefaultMaxCycles = 10

// FailureReason says why a run stopped without success.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonStagnation     FailureReason = "stagnation"
	ReasonMaxCycles      FailureReason = "max_cycles"
	ReasonCaptureFailed  FailureReason = "capture_failed"
	ReasonPlanningFailed FailureReason = "planning_failed"
	ReasonCanceled       FailureReason = "canceled"
)

// Task is one natural-language test task.
type Task struct {
	Text    string
	Persona planner.Persona
}

// ExecutionStep is one performed action. Steps are never modified once appended.
type ExecutionStep struct {
	Action    action.HumanAction
	Result    action.Result
	Timestamp time.Time
	Cycle     int
	Tier      string
}

// TaskResult is the outcome of Run.
type TaskResult struct {
	ID              string
	Task            Task
	Success         bool
	Reason          FailureReason
	Error           string
	History         []ExecutionStep
	Cycles          int
	FinalScreenshot screen.Screenshot
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Performer runs interactions with visual feedback. *loop.Loop implements it.
type Performer interface {
	ExecuteWithFeedback(ctx context.Context, a action.HumanAction) (action.Result, loop.Feedback)
	Goals() *loop.GoalTracker
}

// Recoverer continues the recovery ladder after a failed direct attempt.
// *action.Recovery implements it.
type Recoverer interface {
	Resume(ctx context.Context, a action.HumanAction, direct action.Result) action.Result
}

// StuckDetector is the part of *stagnation.Detector the orchestrator uses.
type StuckDetector interface {
	RecordAttempt(a action.HumanAction, r action.Result)
	RecordGoal(desc string)
	IsStuck() bool
	Reason() string
	Reset()
}

// Orchestrator runs tasks. One Run at a time.
type Orchestrator struct {
	logger     *zap.Logger
	exec       Executor
	perf       Performer
	recovery   Recoverer
	detector   StuckDetector
	tiers      []planner.Tier
	completion Completion
	maxCycles  int
}

// New creates an Orchestrator. Tiers are consulted in order; recovery may be nil.
func New(
	logger *zap.Logger,
	cfg config.OrchestratorConfig,
	exec Executor,
	perf Performer,
	recovery Recoverer,
	detector StuckDetector,
	completion Completion,
	tiers ...planner.Tier,
) (*Orchestrator, error) {
	if logger == nil || exec == nil || perf == nil || detector == nil || completion == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("orchestrator needs at least one planning tier")
	}
	maxCycles := cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		exec:       exec,
		perf:       perf,
		recovery:   recovery,
		detector:   detector,
		tiers:      tiers,
		completion: completion,
		maxCycles:  maxCycles,
	}, nil
}

// run is the state of one Run call.
type run struct {
	res      TaskResult
	goals    map[string]planner.Goal
	lastGoal string
}

// Run drives task until completion, stagnation, the cycle bound or ctx ends.
func (o *Orchestrator) Run(ctx context.Context, task Task) TaskResult {
	r := &run{
		res:   TaskResult{ID: uuid.NewString(), Task: task, StartedAt: time.Now()},
		goals: map[string]planner.Goal{},
	}
	o.logger.Info("Task started.",
		zap.String("run_id", r.res.ID),
		zap.String("task", task.Text),
		zap.Stringer("persona", task.Persona),
		zap.Stringer("completion", o.completion))
	o.seedGoals(task, r)

	for cycle := 1; cycle <= o.maxCycles; cycle++ {
		r.res.Cycles = cycle
		if ctx.Err() != nil {
			return o.finish(r, ReasonCanceled, ctx.Err().Error())
		}
		o.logger.Info("Planning cycle started.", zap.Int("cycle", cycle), zap.Int("max_cycles", o.maxCycles))

		capture := o.exec.Execute(ctx, action.CaptureState{})
		if !capture.Success {
			return o.finish(r, ReasonCaptureFailed, "Failed to capture state: "+capture.Error)
		}
		r.res.FinalScreenshot = capture.Screenshot
		errs := capture.ErrorMessages()
		if len(errs) > 0 {
			o.logger.Warn("Error messages detected on screen.",
				zap.Strings("errors", errs), zap.String("error_code", "SCREEN_ERRORS"))
		}

		goal := o.currentGoal(r)
		plan, err := o.plan(ctx, planner.Request{
			Task:       task.Text,
			Persona:    task.Persona,
			Goal:       goal,
			Screenshot: capture.Screenshot,
			Errors:     errs,
			History:    r.results(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(r, ReasonCanceled, ctx.Err().Error())
			}
			return o.finish(r, ReasonPlanningFailed, "Failed to generate plan: "+err.Error())
		}
		o.detector.RecordGoal(progressMarker(goal, plan))

		allOK := o.perform(ctx, r, cycle, plan)
		if ctx.Err() != nil {
			return o.finish(r, ReasonCanceled, ctx.Err().Error())
		}
		if allOK && goal != nil && verifiesGoal(plan.Gap) {
			o.perf.Goals().Update(goal.ID, loop.GoalAchieved)
		}

		if o.completion.Complete(ctx, o.exec) {
			o.logger.Info("Task completed.", zap.Int("cycle", cycle), zap.Int("steps", len(r.res.History)))
			r.res.Success = true
			return o.finish(r, ReasonNone, "")
		}
		if o.detector.IsStuck() {
			reason := o.detector.Reason()
			o.logger.Warn("Stopping: no progress.", zap.String("reason", reason), zap.String("error_code", "STAGNATION"))
			return o.finish(r, ReasonStagnation, "Test stopped due to repeated failures: "+reason)
		}
		o.logger.Debug("Task not complete; continuing.", zap.Int("cycle", cycle))
	}

	return o.finish(r, ReasonMaxCycles,
		fmt.Sprintf("Reached maximum iterations (%d) without completing task", o.maxCycles))
}

// seedGoals decomposes the task into the loop's goal tracker.
func (o *Orchestrator) seedGoals(task Task, r *run) {
	tracker := o.perf.Goals()
	tracker.Reset()
	for _, g := range planner.Decompose(task.Text) {
		r.goals[g.ID] = g
		tracker.Add(loop.Goal{ID: g.ID, Description: g.Description, Priority: g.Priority, ParentID: g.ParentID})
	}
	if len(r.goals) == 0 {
		o.logger.Info("Task has no recognisable goals; planning without one.")
	}
}

// currentGoal returns the tracker's current goal, resetting the detector
// when it differs from the previous cycle's.
func (o *Orchestrator) currentGoal(r *run) *planner.Goal {
	var id string
	if g, ok := o.perf.Goals().Current(); ok {
		id = g.ID
	}
	if id != r.lastGoal {
		if r.lastGoal != "" {
			o.logger.Info("Goal changed.", zap.String("from", r.lastGoal), zap.String("to", id))
			o.detector.Reset()
		}
		r.lastGoal = id
	}
	g, ok := r.goals[id]
	if !ok {
		return nil
	}
	return &g
}

// plan asks each tier in turn. Any error or empty plan falls through.
func (o *Orchestrator) plan(ctx context.Context, req planner.Request) (planner.Plan, error) {
	var errs []error
	var gap planner.Gap
	for _, t := range o.tiers {
		p, err := t.Plan(ctx, req)
		if gap == "" {
			gap = p.Gap
		}
		if err == nil && !p.Empty() {
			if p.Tier == "" {
				p.Tier = t.Name()
			}
			if p.Gap == "" {
				p.Gap = gap
			}
			o.logger.Info("Plan ready.", zap.String("tier", p.Tier), zap.Int("actions", len(p.Actions)), zap.String("gap", string(p.Gap)))
			for i, a := range p.Actions {
				o.logger.Debug("Planned action.", zap.Int("step", i+1), zap.String("action", a.String()))
			}
			return p, nil
		}
		if err == nil {
			err = planner.ErrNoPlan
		}
		if errors.Is(err, planner.ErrNoPlan) {
			o.logger.Debug("Tier had no plan; falling through.", zap.String("tier", t.Name()), zap.Error(err))
		} else {
			o.logger.Warn("Tier failed; falling through.",
				zap.String("tier", t.Name()), zap.Error(err), zap.String("error_code", "TIER_FAILED"))
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return planner.Plan{}, errors.Join(errs...)
}

// perform runs the batch and reports whether every action succeeded.
// Failures do not stop the batch; the next cycle replans.
func (o *Orchestrator) perform(ctx context.Context, r *run, cycle int, plan planner.Plan) bool {
	allOK := true
	for _, a := range plan.Actions {
		if ctx.Err() != nil {
			return false
		}
		res, fb := o.perf.ExecuteWithFeedback(ctx, a)
		if !res.Success && o.recovery != nil {
			res = o.recovery.Resume(ctx, a, res)
		}
		o.detector.RecordAttempt(a, res)
		r.res.History = append(r.res.History, ExecutionStep{
			Action:    a,
			Result:    res,
			Timestamp: time.Now(),
			Cycle:     cycle,
			Tier:      plan.Tier,
		})
		if res.Success {
			continue
		}
		allOK = false
		fields := []zap.Field{zap.String("action", a.String()), zap.String("error", res.Error), zap.String("error_code", string(res.Code))}
		if len(fb.Errors) > 0 {
			fields = append(fields, zap.Strings("screen_errors", fb.Errors))
		}
		o.logger.Warn("Action failed.", fields...)
	}
	return allOK
}

func (o *Orchestrator) finish(r *run, reason FailureReason, msg string) TaskResult {
	r.res.Reason = reason
	r.res.Error = msg
	r.res.FinishedAt = time.Now()
	if !r.res.Success {
		o.logger.Info("Task failed.", zap.String("reason", string(reason)), zap.String("error", msg), zap.Int("cycles", r.res.Cycles))
	}
	return r.res
}

func (r *run) results() []action.Result {
	out := make([]action.Result, len(r.res.History))
	for i, s := range r.res.History {
		out[i] = s.Result
	}
	return out
}

// progressMarker identifies what a cycle was working on. Repeating it is
// the stuck-on-goal signal.
func progressMarker(goal *planner.Goal, plan planner.Plan) string {
	var b strings.Builder
	if goal != nil {
		b.WriteString(goal.ID)
	} else {
		b.WriteString("task")
	}
	b.WriteString(":")
	if plan.Gap != "" {
		b.WriteString(string(plan.Gap))
	} else {
		b.WriteString(plan.Tier)
	}
	return b.String()
}

// verifiesGoal is true for gaps whose batch only confirms the goal.
func verifiesGoal(g planner.Gap) bool {
	return g == planner.GapVerifyAuthentication || g == planner.GapVerifyDataVisible
}
