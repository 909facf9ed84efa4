// File: internal/device/web/browser_test.go
package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
)

func TestSelector(t *testing.T) {
	assert.Equal(t,
		`//*[@aria-label="login" or @data-testid="login" or @id="login" or @name="login"]`,
		Selector(device.Locator{Kind: device.ByAccessibilityID, Value: "login"}))
	assert.Contains(t, Selector(device.Locator{Kind: device.ByText, Value: "Sign in"}), `normalize-space(text())="Sign in"`)
	assert.Contains(t, Selector(device.Locator{Kind: device.ByContains, Value: "Email"}), `contains(@placeholder,"Email")`)
	assert.Equal(t, `concat("a'b ", '"', "c", '"', "")`, xpathLiteral(`a'b "c"`))
}

func TestNoSessionBeforeStart(t *testing.T) {
	b := NewBrowser(config.WebConfig{ViewportWidth: 400, ViewportHeight: 800}, zaptest.NewLogger(t))
	assert.False(t, b.HasSession())
	_, err := b.Screenshot(context.Background())
	assert.ErrorIs(t, err, device.ErrNoSession)
	assert.NoError(t, b.Close(context.Background()))
}

func chromeAvailable() bool {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

const formPage = `<!doctype html><html><body style="height:3000px">
<h1>Sign in</h1>
<input id="email" placeholder="Email">
<button aria-label="submit" onclick="document.title='clicked'">Continue</button>
</body></html>`

func TestBrowserAgainstLocalPage(t *testing.T) {
	if testing.Short() || !chromeAvailable() {
		t.Skip("chrome not available")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, formPage)
	}))
	defer srv.Close()

	b := NewBrowser(config.WebConfig{
		StartURL:       srv.URL,
		Headless:       true,
		ViewportWidth:  400,
		ViewportHeight: 800,
		ActionTimeout:  3 * time.Second,
	}, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Close(ctx)

	assert.True(t, b.HasSession())
	size, err := b.ViewportSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400, size.W)

	require.NoError(t, b.TypeText(ctx, device.Locator{Kind: device.ByText, Value: "Email"}, "user@example.com", true))
	require.NoError(t, b.Tap(ctx, device.Locator{Kind: device.ByAccessibilityID, Value: "submit"}))
	require.NoError(t, b.Swipe(ctx, device.DirectionUp))
	require.NoError(t, b.HideKeyboard(ctx))

	png, err := b.Screenshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, len(png), 100)

	err = b.Tap(ctx, device.Locator{Kind: device.ByText, Value: "Nope"})
	require.Error(t, err)
	assert.True(t, device.IsKind(err, device.KindNotFound))
}

func TestBrowserHumanTypingLeavesExactValue(t *testing.T) {
	if testing.Short() || !chromeAvailable() {
		t.Skip("chrome not available")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, formPage)
	}))
	defer srv.Close()

	b := NewBrowser(config.WebConfig{
		StartURL:       srv.URL,
		Headless:       true,
		ViewportWidth:  400,
		ViewportHeight: 800,
		ActionTimeout:  3 * time.Second,
		Typing: config.TypingConfig{
			Enabled: true, KeyHoldMean: 5, FlightMean: 5, CorrectionWait: 5, TypoRate: 0.3,
		},
	}, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Close(ctx)

	require.NoError(t, b.TypeText(ctx, device.Locator{Kind: device.ByText, Value: "Email"}, "sarah.j@gmail.com", true))

	var value string
	require.NoError(t, b.run(ctx, "read", chromedp.Value("#email", &value, chromedp.ByQuery)))
	assert.Equal(t, "sarah.j@gmail.com", value)
}
