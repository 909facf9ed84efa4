package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/artifacts"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/device/appium"
	"github.com/xkilldash9x/sightline/internal/device/web"
	"github.com/xkilldash9x/sightline/internal/llmclient"
	"github.com/xkilldash9x/sightline/internal/store"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// NewDevice opens the configured backend session.
func NewDevice(ctx context.Context, cfg config.DeviceConfig, logger *zap.Logger) (device.Backend, error) {
	switch cfg.Backend {
	case config.BackendAppium, "":
		c := appium.NewClient(cfg.Appium, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to open appium session: %w", err)
		}
		return c, nil
	case config.BackendWeb:
		b := web.NewBrowser(cfg.Web, logger)
		if err := b.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported device backend: %s", cfg.Backend)
	}
}

// NewVision builds the OCR and pattern modalities. Patterns is nil when disabled.
func NewVision(cfg config.EvaluatorConfig, logger *zap.Logger) (vision.TextExtractor, vision.PatternDetector, error) {
	if !cfg.OCR.Enabled {
		return nil, nil, errors.New("evaluator.ocr must be enabled: text is the primary modality")
	}
	ocr := vision.NewTesseract(logger, cfg.OCR.Binary, cfg.OCR.Language, cfg.OCR.Timeout)
	if !cfg.Pattern.Enabled {
		return ocr, nil, nil
	}
	return ocr, vision.NewTemplateMatcher(logger, cfg.Pattern.TemplateDir, cfg.Pattern.Threshold, cfg.Pattern.MaxSide), nil
}

// Build opens every external collaborator named by cfg and assembles an
// Agent. The returned cleanup closes what Agent.Close does not.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Agent, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Agent, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var deps Deps
	var err error
	if deps.OCR, deps.Patterns, err = NewVision(cfg.Evaluator, logger); err != nil {
		return fail(err)
	}
	if deps.Archive, err = artifacts.New(ctx, cfg.Artifacts, logger); err != nil {
		return fail(fmt.Errorf("failed to initialize artifact storage: %w", err))
	}
	if cfg.Planner.AIEnabled {
		if deps.LLM, err = llmclient.NewClient(ctx, cfg.Planner, logger); err != nil {
			return fail(fmt.Errorf("failed to create LLM client: %w", err))
		}
		closers = append(closers, func() { _ = deps.LLM.Close() })
	}
	if cfg.Database.URL != "" {
		s, closePool, err := store.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closePool)
		if err := s.Migrate(ctx); err != nil {
			return fail(err)
		}
		deps.Runs = s
	}
	if deps.Device, err = NewDevice(ctx, cfg.Device, logger); err != nil {
		return fail(err)
	}

	a, err := New(logger, cfg, deps)
	if err != nil {
		_ = deps.Device.Close(context.WithoutCancel(ctx))
		return fail(err)
	}
	// Agent.Close owns the LLM client and device from here on.
	if deps.LLM != nil {
		closers = closers[1:]
	}
	return a, cleanup, nil
}
