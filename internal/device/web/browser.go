// File: internal/device/web/browser.go
package web

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/humanize"
)

// Browser drives one headless Chrome tab with chromedp. Touch primitives map
// to their pointer equivalents; swipes scroll the page.
type Browser struct {
	logger *zap.Logger
	cfg    config.WebConfig
	opts   []chromedp.ExecAllocatorOption
	// typist is nil when keys are sent in one burst.
	typist *humanize.Typist

	mu          sync.RWMutex
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ device.Backend = (*Browser)(nil)

// NewBrowser prepares a backend; call Start to launch the browser.
func NewBrowser(cfg config.WebConfig, logger *zap.Logger) *Browser {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	b := &Browser{logger: logger.Named("web_backend"), cfg: cfg, opts: opts}
	if cfg.Typing.Enabled {
		b.typist = humanize.New(cfg.Typing)
	}
	return b
}

// Start launches the browser and opens the start URL. The browser lives
// until Close, independent of ctx.
func (b *Browser) Start(ctx context.Context) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), b.opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(b.logger.Sugar().Debugf))

	startCtx, cancel := context.WithTimeout(tabCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(startCtx,
		emulation.SetDeviceMetricsOverride(int64(b.cfg.ViewportWidth), int64(b.cfg.ViewportHeight), 1, false),
		chromedp.Navigate(b.cfg.StartURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		cancelTab()
		cancelAlloc()
		return device.Wrap("start", fmt.Errorf("failed to open %s: %w", b.cfg.StartURL, err))
	}

	b.mu.Lock()
	b.tabCtx, b.cancelTab, b.cancelAlloc = tabCtx, cancelTab, cancelAlloc
	b.mu.Unlock()
	b.logger.Info("Browser session started.", zap.String("url", b.cfg.StartURL))
	return nil
}

// HasSession reports whether the tab is open.
func (b *Browser) HasSession() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tabCtx != nil && b.tabCtx.Err() == nil
}

// Close shuts the tab and the browser process.
func (b *Browser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelTab != nil {
		b.cancelTab()
		b.cancelAlloc()
	}
	b.tabCtx, b.cancelTab, b.cancelAlloc = nil, nil, nil
	return nil
}

// run executes actions on the tab, bounded by ctx and the action timeout.
func (b *Browser) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	b.mu.RLock()
	tab := b.tabCtx
	b.mu.RUnlock()
	if tab == nil {
		return device.ErrNoSession
	}
	timeout := b.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return device.Wrap(op, err)
}

// find runs a query-based action. chromedp waits for the node until the
// action timeout, so a deadline here means the element never appeared.
func (b *Browser) find(ctx context.Context, op string, loc device.Locator, actions ...chromedp.Action) error {
	err := b.run(ctx, op, actions...)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &device.Error{Kind: device.KindNotFound, Op: op, Err: fmt.Errorf("element not found: %s", loc)}
	}
	return err
}

// Screenshot captures the visible viewport as PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ViewportSize reads the layout viewport in CSS pixels.
func (b *Browser) ViewportSize(ctx context.Context) (device.Size, error) {
	var dims []int
	if err := b.run(ctx, "viewport", chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims)); err != nil {
		return device.Size{}, err
	}
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return device.Size{}, fmt.Errorf("invalid viewport %v", dims)
	}
	return device.Size{W: dims[0], H: dims[1]}, nil
}

func (b *Browser) Tap(ctx context.Context, loc device.Locator) error {
	return b.find(ctx, "tap", loc, chromedp.Click(Selector(loc), chromedp.BySearch, chromedp.NodeVisible))
}

func (b *Browser) TapPoint(ctx context.Context, p device.Point) error {
	return b.run(ctx, "tap_point", chromedp.MouseClickXY(float64(p.X), float64(p.Y)))
}

func (b *Browser) TypeText(ctx context.Context, loc device.Locator, text string, clearFirst bool) error {
	sel := Selector(loc)
	actions := []chromedp.Action{chromedp.Click(sel, chromedp.BySearch, chromedp.NodeVisible)}
	if clearFirst {
		actions = append(actions, chromedp.Clear(sel, chromedp.BySearch))
	}
	if b.typist == nil {
		actions = append(actions, chromedp.SendKeys(sel, text, chromedp.BySearch))
		return b.find(ctx, "type_text", loc, actions...)
	}

	if err := b.find(ctx, "type_text", loc, actions...); err != nil {
		return err
	}
	// The click above focused the field; keys go to the active element.
	return b.typist.Type(ctx, text, func(ctx context.Context, key string) error {
		return b.run(ctx, "type_key", chromedp.SendKeys("document.activeElement", key, chromedp.ByJSPath))
	})
}

// Swipe scrolls the page the way a finger swipe in d would.
func (b *Browser) Swipe(ctx context.Context, d device.Direction) error {
	size, err := b.ViewportSize(ctx)
	if err != nil {
		return err
	}
	from, to, err := device.SwipePath(size, d)
	if err != nil {
		return err
	}
	return b.SwipeBetween(ctx, from, to)
}

// SwipeBetween scrolls by the finger travel: dragging up moves content down.
func (b *Browser) SwipeBetween(ctx context.Context, from, to device.Point) error {
	js := fmt.Sprintf(`window.scrollBy(%d, %d)`, from.X-to.X, from.Y-to.Y)
	return b.run(ctx, "swipe", chromedp.Evaluate(js, nil))
}

func (b *Browser) Back(ctx context.Context) error {
	return b.run(ctx, "back", chromedp.NavigateBack())
}

// HideKeyboard blurs the focused element, which is what dismisses an
// on-screen keyboard on touch browsers.
func (b *Browser) HideKeyboard(ctx context.Context) error {
	return b.run(ctx, "hide_keyboard", chromedp.Evaluate(`document.activeElement && document.activeElement.blur()`, nil))
}

// Selector translates one locator tier into a DOM search query.
func Selector(loc device.Locator) string {
	v := xpathLiteral(loc.Value)
	switch loc.Kind {
	case device.ByAccessibilityID:
		return fmt.Sprintf(`//*[@aria-label=%s or @data-testid=%s or @id=%s or @name=%s]`, v, v, v, v)
	case device.ByText:
		return fmt.Sprintf(`//*[normalize-space(text())=%s or @placeholder=%s or @value=%s or @aria-label=%s]`, v, v, v, v)
	default:
		return fmt.Sprintf(`//*[contains(normalize-space(text()),%s) or contains(@placeholder,%s) or contains(@aria-label,%s)]`, v, v, v)
	}
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	return `concat("` + strings.Join(parts, `", '"', "`) + `")`
}
