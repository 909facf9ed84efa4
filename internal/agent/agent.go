package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/artifacts"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/llmclient"
	"github.com/xkilldash9x/sightline/internal/loop"
	"github.com/xkilldash9x/sightline/internal/monitor"
	"github.com/xkilldash9x/sightline/internal/orchestrator"
	"github.com/xkilldash9x/sightline/internal/planner"
	"github.com/xkilldash9x/sightline/internal/screen"
	"github.com/xkilldash9x/sightline/internal/stagnation"
	"github.com/xkilldash9x/sightline/internal/store"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// RunSaver persists finished runs. *store.Store implements it.
type RunSaver interface {
	SaveRun(ctx context.Context, run store.RunRecord) error
}

// Deps are the external collaborators of an Agent. Device and OCR are
// required; everything else is optional.
type Deps struct {
	Device   device.Backend
	OCR      vision.TextExtractor
	Patterns vision.PatternDetector
	Archive  artifacts.BlobStorage
	LLM      llmclient.Client
	Runs     RunSaver
}

// Agent owns one device session and the perception stack around it.
type Agent struct {
	logger *zap.Logger
	cfg    *config.Config
	deps   Deps

	coord    *screen.Coordinator
	eval     *evaluator.Evaluator
	mon      *monitor.Monitor
	exec     *action.Executor
	kb       *action.KeyboardDismisser
	recovery *action.Recovery
	goals    *loop.GoalTracker
	loop     *loop.Loop
	creds    planner.CredentialGenerator
}

// New wires every component explicitly. Nothing is started until Run.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) (*Agent, error) {
	if logger == nil || cfg == nil {
		return nil, errors.New("agent requires a logger and config")
	}
	if deps.Device == nil || deps.OCR == nil {
		return nil, errors.New("agent requires a device backend and a text extractor")
	}
	logger = logger.Named("agent")

	coord := screen.NewCoordinator(logger)
	eval := evaluator.New(logger, deps.OCR, deps.Patterns)

	var monOpts []monitor.Option
	execOpts := []action.ExecutorOption{action.WithStateSource(coord)}
	if deps.Archive != nil {
		monOpts = append(monOpts, monitor.WithArchive(deps.Archive))
		execOpts = append(execOpts, action.WithArchive(deps.Archive))
	}
	mon := monitor.New(logger, deps.Device, eval, coord, cfg.Monitor.Interval, monOpts...)
	exec := action.NewExecutor(logger, deps.Device, eval, execOpts...)
	kb := action.NewKeyboardDismisser(logger, deps.Device, eval, coord, cfg.Recovery.KeyboardCheckWait)
	recovery := action.NewRecovery(logger, exec, deps.Device, eval, kb, cfg.Recovery)
	goals := loop.NewGoalTracker(logger)

	return &Agent{
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		coord:    coord,
		eval:     eval,
		mon:      mon,
		exec:     exec,
		kb:       kb,
		recovery: recovery,
		goals:    goals,
		loop:     loop.New(logger, mon, coord, exec, kb, goals, cfg.Recovery),
	}, nil
}

// Run executes one task and persists the result when a RunSaver is set.
// A persistence failure is returned alongside the task result.
func (a *Agent) Run(ctx context.Context, task orchestrator.Task, completion orchestrator.Completion) (orchestrator.TaskResult, error) {
	if completion == nil {
		completion = orchestrator.Authenticated()
	}
	orch, err := a.orchestrator(task, completion)
	if err != nil {
		return orchestrator.TaskResult{}, err
	}

	a.mon.Start(ctx)
	res := orch.Run(ctx, task)
	a.mon.Stop()

	a.logger.Info("Run finished.",
		zap.String("run_id", res.ID),
		zap.Bool("success", res.Success),
		zap.String("reason", string(res.Reason)),
		zap.Int("cycles", res.Cycles),
		zap.Int("steps", len(res.History)))

	if a.deps.Runs == nil {
		return res, nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.deps.Runs.SaveRun(saveCtx, Record(res)); err != nil {
		return res, fmt.Errorf("failed to persist run %s: %w", res.ID, err)
	}
	return res, nil
}

// orchestrator builds the per-task planning tiers and control loop. The
// stagnation detector and credentials are fresh for every task.
func (a *Agent) orchestrator(task orchestrator.Task, completion orchestrator.Completion) (*orchestrator.Orchestrator, error) {
	heuristic := planner.NewHeuristicTier(a.logger, a.creds)
	gap := planner.NewGapPlanner(a.logger, a.eval, planner.WithCredentials(heuristic.CredentialsFor(task.Persona)))

	var tiers []planner.Tier
	if a.deps.LLM != nil {
		tiers = append(tiers, planner.NewAITier(a.logger, a.deps.LLM))
	}
	tiers = append(tiers, planner.NewAdaptiveTier(a.logger, gap), heuristic)

	oc := a.cfg.Orchestrator
	detector := stagnation.New(a.logger, oc.MaxRepeatedActions, oc.MaxRepeatedGoals)
	return orchestrator.New(a.logger, oc, a.exec, a.loop, a.recovery, detector, completion, tiers...)
}

// Close releases the coordinator, the LLM client and the device session.
func (a *Agent) Close(ctx context.Context) error {
	a.mon.Stop()
	a.coord.Close()
	var errs []error
	if a.deps.LLM != nil {
		if err := a.deps.LLM.Close(); err != nil {
			errs = append(errs, fmt.Errorf("llm client: %w", err))
		}
	}
	if err := a.deps.Device.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	return errors.Join(errs...)
}

// Record converts a task result into its persisted form.
func Record(res orchestrator.TaskResult) store.RunRecord {
	rec := store.RunRecord{
		ID:              res.ID,
		Task:            res.Task.Text,
		Persona:         res.Task.Persona.Name,
		Success:         res.Success,
		Reason:          string(res.Reason),
		Error:           res.Error,
		Cycles:          res.Cycles,
		FinalScreenshot: res.FinalScreenshot.Path,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
		Steps:           make([]store.StepRecord, 0, len(res.History)),
	}
	for i, s := range res.History {
		msg := s.Result.Message
		if !s.Result.Success {
			msg = s.Result.Error
		}
		desc := ""
		if s.Action != nil {
			desc = s.Action.String()
		}
		rec.Steps = append(rec.Steps, store.StepRecord{
			Seq:        i + 1,
			Cycle:      s.Cycle,
			Tier:       s.Tier,
			Action:     desc,
			Success:    s.Result.Success,
			Code:       string(s.Result.Code),
			Message:    msg,
			Screenshot: s.Result.Screenshot.Path,
			Attempts:   s.Result.Attempts,
			CreatedAt:  s.Timestamp,
		})
	}
	return rec
}

// CompletionFor picks the completion predicate for a run: a signed-in
// session plus expectText when given, or the named screen.
func CompletionFor(expectText, expectScreen string) orchestrator.Completion {
	var cs []orchestrator.Completion
	switch {
	case expectText != "":
		cs = append(cs, orchestrator.AuthenticatedAndText(expectText))
	default:
		cs = append(cs, orchestrator.Authenticated())
	}
	if expectScreen != "" {
		cs = append(cs, orchestrator.ScreenIs(expectScreen))
	}
	if len(cs) == 1 {
		return cs[0]
	}
	return orchestrator.All(cs...)
}
