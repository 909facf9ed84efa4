// File: internal/device/appium/client.go
package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
)

// W3C WebDriver element identifier key.
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// androidKeycodeBack is KEYCODE_BACK.
const androidKeycodeBack = 4

// webDriverError is a structured error payload from the server. These are
// never retried.
type webDriverError struct {
	Code    string
	Message string
}

func (e *webDriverError) Error() string { return e.Code + ": " + e.Message }

// Client drives one Appium session over the W3C WebDriver HTTP protocol.
type Client struct {
	logger       *zap.Logger
	serverURL    string
	httpClient   *http.Client
	maxRetryTime time.Duration
	caps         map[string]any

	mu        sync.RWMutex
	sessionID string
	platform  string
	size      device.Size
}

var _ device.Backend = (*Client)(nil)

// NewClient prepares a client; call Connect to open the session.
func NewClient(cfg config.AppiumConfig, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:       logger.Named("appium"),
		serverURL:    strings.TrimSuffix(cfg.ServerURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		maxRetryTime: cfg.MaxRetryTime,
		caps:         capabilities(cfg),
	}
}

func capabilities(cfg config.AppiumConfig) map[string]any {
	caps := map[string]any{
		"platformName":          cfg.PlatformName,
		"appium:deviceName":     cfg.DeviceName,
		"appium:automationName": cfg.AutomationName,
		"appium:noReset":        cfg.NoReset,
	}
	if cfg.AppPackage != "" {
		caps["appium:appPackage"] = cfg.AppPackage
	}
	if cfg.AppActivity != "" {
		caps["appium:appActivity"] = cfg.AppActivity
	}
	for k, v := range cfg.Capabilities {
		caps[capabilityName(k)] = v
	}
	return caps
}

// Config keys arrive lower-cased from viper, but capability names are
// case-sensitive on the server.
var knownCapabilities = func() map[string]string {
	names := []string{
		"platformName", "platformVersion", "deviceName", "automationName", "udid", "app",
		"appPackage", "appActivity", "appWaitActivity", "appWaitPackage", "appWaitDuration",
		"bundleId", "noReset", "fullReset", "newCommandTimeout", "autoGrantPermissions",
		"language", "locale", "orientation", "avd", "systemPort", "wdaLocalPort",
		"unicodeKeyboard", "resetKeyboard", "disableWindowAnimation", "skipServerInstallation",
		"skipDeviceInitialization", "uiautomator2ServerLaunchTimeout", "adbExecTimeout",
		"chromedriverExecutable", "chromeOptions", "printPageSourceOnFindFailure", "shouldTerminateApp",
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}()

func capabilityName(k string) string {
	vendor, name, found := strings.Cut(k, ":")
	if !found {
		vendor, name = "appium", k
	}
	if canonical, ok := knownCapabilities[strings.ToLower(name)]; ok {
		name = canonical
	}
	if name == "platformName" {
		return name
	}
	return vendor + ":" + name
}

// Connect opens a session with the configured capabilities.
func (c *Client) Connect(ctx context.Context) error {
	body := map[string]any{"capabilities": map[string]any{"alwaysMatch": c.caps}}
	resp, err := c.post(ctx, "/session", body)
	if err != nil {
		return device.Wrap("connect", fmt.Errorf("failed to create session: %w", err))
	}
	value, ok := resp["value"].(map[string]any)
	if !ok {
		return fmt.Errorf("invalid session response")
	}
	id, _ := value["sessionId"].(string)
	if id == "" {
		return fmt.Errorf("no session ID in response")
	}

	c.mu.Lock()
	c.sessionID = id
	if caps, ok := value["capabilities"].(map[string]any); ok {
		if p, ok := caps["platformName"].(string); ok {
			c.platform = strings.ToLower(p)
		}
	}
	c.mu.Unlock()

	if _, err := c.ViewportSize(ctx); err != nil {
		c.logger.Warn("Could not read window size after connect.", zap.Error(err))
	}
	c.logger.Info("Appium session started.", zap.String("session_id", id), zap.String("platform", c.platform))
	return nil
}

// HasSession reports whether a session is open.
func (c *Client) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID != ""
}

// Close deletes the session.
func (c *Client) Close(ctx context.Context) error {
	path, err := c.sessionPath()
	if err != nil {
		return nil
	}
	_, err = c.request(ctx, http.MethodDelete, path, nil)
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return device.Wrap("close", err)
}

// Screenshot returns PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	path, err := c.sessionPath()
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, http.MethodGet, path+"/screenshot", nil)
	if err != nil {
		return nil, device.Wrap("screenshot", err)
	}
	encoded, ok := resp["value"].(string)
	if !ok {
		return nil, device.Wrap("screenshot", fmt.Errorf("invalid screenshot response"))
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// ViewportSize returns the window size, cached after the first read.
func (c *Client) ViewportSize(ctx context.Context) (device.Size, error) {
	c.mu.RLock()
	cached := c.size
	c.mu.RUnlock()
	if cached.W > 0 && cached.H > 0 {
		return cached, nil
	}
	path, err := c.sessionPath()
	if err != nil {
		return device.Size{}, err
	}
	resp, err := c.request(ctx, http.MethodGet, path+"/window/rect", nil)
	if err != nil {
		return device.Size{}, device.Wrap("window_rect", err)
	}
	value, _ := resp["value"].(map[string]any)
	w, _ := value["width"].(float64)
	h, _ := value["height"].(float64)
	size := device.Size{W: int(w), H: int(h)}
	if size.W <= 0 || size.H <= 0 {
		return device.Size{}, fmt.Errorf("invalid window size %dx%d", size.W, size.H)
	}
	c.mu.Lock()
	c.size = size
	c.mu.Unlock()
	return size, nil
}

// Tap resolves loc and clicks it.
func (c *Client) Tap(ctx context.Context, loc device.Locator) error {
	id, err := c.findElement(ctx, loc)
	if err != nil {
		return device.Wrap("tap", err)
	}
	path, _ := c.sessionPath()
	_, err = c.post(ctx, path+"/element/"+id+"/click", map[string]any{})
	return device.Wrap("tap", err)
}

// TapPoint taps viewport coordinates with a W3C pointer sequence.
func (c *Client) TapPoint(ctx context.Context, p device.Point) error {
	return device.Wrap("tap_point", c.pointer(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": p.X, "y": p.Y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
	}))
}

// TypeText focuses loc, optionally clears it, and sets its value.
func (c *Client) TypeText(ctx context.Context, loc device.Locator, text string, clearFirst bool) error {
	id, err := c.findElement(ctx, loc)
	if err != nil {
		return device.Wrap("type_text", err)
	}
	path, _ := c.sessionPath()
	elem := path + "/element/" + id
	if _, err := c.post(ctx, elem+"/click", map[string]any{}); err != nil {
		return device.Wrap("type_text", err)
	}
	if clearFirst {
		if _, err := c.post(ctx, elem+"/clear", map[string]any{}); err != nil {
			return device.Wrap("type_text", err)
		}
	}
	_, err = c.post(ctx, elem+"/value", map[string]any{"text": text})
	return device.Wrap("type_text", err)
}

// Swipe performs a directional swipe from the viewport center.
func (c *Client) Swipe(ctx context.Context, d device.Direction) error {
	size, err := c.ViewportSize(ctx)
	if err != nil {
		return err
	}
	from, to, err := device.SwipePath(size, d)
	if err != nil {
		return err
	}
	return c.SwipeBetween(ctx, from, to)
}

// SwipeBetween drags from one point to another over 300ms.
func (c *Client) SwipeBetween(ctx context.Context, from, to device.Point) error {
	return device.Wrap("swipe", c.pointer(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": from.X, "y": from.Y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": 300, "x": to.X, "y": to.Y, "origin": "viewport"},
		{"type": "pointerUp", "button": 0},
	}))
}

// Back presses the system back key (Android) or navigates back (iOS).
func (c *Client) Back(ctx context.Context) error {
	path, err := c.sessionPath()
	if err != nil {
		return err
	}
	if c.platform == "ios" {
		_, err = c.post(ctx, path+"/back", map[string]any{})
	} else {
		_, err = c.post(ctx, path+"/appium/device/press_keycode", map[string]any{"keycode": androidKeycodeBack})
	}
	return device.Wrap("back", err)
}

// HideKeyboard asks the driver to hide the soft keyboard.
func (c *Client) HideKeyboard(ctx context.Context) error {
	path, err := c.sessionPath()
	if err != nil {
		return err
	}
	_, err = c.post(ctx, path+"/appium/device/hide_keyboard", map[string]any{})
	return device.Wrap("hide_keyboard", err)
}

func (c *Client) pointer(ctx context.Context, actions []map[string]any) error {
	path, err := c.sessionPath()
	if err != nil {
		return err
	}
	payload := []map[string]any{{
		"type":       "pointer",
		"id":         "finger1",
		"parameters": map[string]any{"pointerType": "touch"},
		"actions":    actions,
	}}
	_, err = c.post(ctx, path+"/actions", map[string]any{"actions": payload})
	return err
}

// findElement translates one locator tier into a WebDriver query.
func (c *Client) findElement(ctx context.Context, loc device.Locator) (string, error) {
	path, err := c.sessionPath()
	if err != nil {
		return "", err
	}
	using, value := c.strategy(loc)
	resp, err := c.post(ctx, path+"/element", map[string]any{"using": using, "value": value})
	if err != nil {
		return "", err
	}
	elem, ok := resp["value"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("element not found: %s", loc)
	}
	if id, ok := elem[w3cElementKey].(string); ok {
		return id, nil
	}
	if id, ok := elem["ELEMENT"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("element not found: %s", loc)
}

func (c *Client) strategy(loc device.Locator) (string, string) {
	v := xpathLiteral(loc.Value)
	switch loc.Kind {
	case device.ByAccessibilityID:
		return "accessibility id", loc.Value
	case device.ByText:
		if c.platform == "ios" {
			return "xpath", fmt.Sprintf("//*[@label=%s or @name=%s or @value=%s]", v, v, v)
		}
		return "xpath", fmt.Sprintf("//*[@text=%s or @content-desc=%s]", v, v)
	default:
		if c.platform == "ios" {
			return "xpath", fmt.Sprintf("//*[contains(@label,%s) or contains(@name,%s)]", v, v)
		}
		return "xpath", fmt.Sprintf("//*[contains(@text,%s) or contains(@content-desc,%s)]", v, v)
	}
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(quoted, `, '"', `) + ")"
}

func (c *Client) sessionPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return "", device.ErrNoSession
	}
	return "/session/" + c.sessionID, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, path, body)
}

// request performs one WebDriver call. Transport failures and 5xx responses
// without a WebDriver error payload are retried with exponential backoff.
func (c *Client) request(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxRetryTime
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}

	var result map[string]any
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("appium request failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("appium server error: status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
		}
		if wdErr := extractError(parsed); wdErr != nil {
			return backoff.Permanent(wdErr)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("appium server error: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("appium request rejected: status %d", resp.StatusCode))
		}
		result = parsed
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying Appium request.", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		var wd *webDriverError
		if errors.As(err, &wd) && wd.Code == "invalid session id" {
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
		}
		return nil, err
	}
	return result, nil
}

func extractError(parsed map[string]any) *webDriverError {
	value, ok := parsed["value"].(map[string]any)
	if !ok {
		return nil
	}
	code, ok := value["error"].(string)
	if !ok || code == "" {
		return nil
	}
	msg, _ := value["message"].(string)
	return &webDriverError{Code: code, Message: msg}
}
