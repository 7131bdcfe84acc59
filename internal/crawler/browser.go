package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

// removeOverlaysScript hides fixed position layers that cover the page and unlocks scrolling
const removeOverlaysScript = `(() => {
  const vw = window.innerWidth, vh = window.innerHeight;
  const pattern = /(cookie|consent|gdpr|modal|popup|overlay|newsletter|subscribe|banner|dialog)/i;
  document.querySelectorAll('body *').forEach(el => {
    const s = getComputedStyle(el);
    if (s.position !== 'fixed' && s.position !== 'sticky') return;
    const r = el.getBoundingClientRect();
    const covers = r.width >= vw * 0.5 && r.height >= vh * 0.3;
    const named = pattern.test((el.className || '') + ' ' + (el.id || ''));
    if (covers || named || parseInt(s.zIndex || '0', 10) > 999) el.remove();
  });
  document.documentElement.style.overflow = 'auto';
  document.body.style.overflow = 'auto';
})()`

// inlineIframesScript replaces same-origin iframes with their document body
const inlineIframesScript = `(() => {
  document.querySelectorAll('iframe').forEach((frame, i) => {
    try {
      const doc = frame.contentDocument || frame.contentWindow.document;
      if (!doc || !doc.body) return;
      const div = document.createElement('div');
      div.className = 'iframe-content';
      div.setAttribute('data-iframe-index', String(i));
      div.innerHTML = doc.body.innerHTML;
      frame.replaceWith(div);
    } catch (e) {}
  });
})()`

// BrowserFetcher renders pages in headless Chrome through chromedp. One browser
// process is shared by all runs; each run gets a tab, or reuses its session's tab.
type BrowserFetcher struct {
	opts Options

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[string]browserTab
}

type browserTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBrowserFetcher creates a fetcher. Chrome starts on first use.
func NewBrowserFetcher(opts Options) *BrowserFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 720
	}
	return &BrowserFetcher{opts: opts, tabs: make(map[string]browserTab)}
}

func (b *BrowserFetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(b.opts.UserAgent),
		chromedp.WindowSize(b.opts.ViewportWidth, b.opts.ViewportHeight),
	)
	if b.opts.IgnoreHTTPSErrors {
		execOpts = append(execOpts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if b.opts.Proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(b.opts.Proxy))
	}
	if b.opts.TextMode {
		execOpts = append(execOpts,
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
			chromedp.Flag("disable-remote-fonts", true),
		)
	}
	if b.opts.LightMode {
		execOpts = append(execOpts,
			chromedp.Flag("disable-background-networking", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-sync", true),
			chromedp.Flag("mute-audio", true),
		)
	}
	if b.opts.DebuggingPort > 0 && !b.opts.Headless {
		execOpts = append(execOpts, chromedp.Flag("remote-debugging-port", fmt.Sprint(b.opts.DebuggingPort)))
	}
	for _, arg := range b.opts.ExtraArgs {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			execOpts = append(execOpts, chromedp.Flag(name, value))
		} else {
			execOpts = append(execOpts, chromedp.Flag(name, true))
		}
	}
	return execOpts
}

// browser starts Chrome if needed and returns the browser context
func (b *BrowserFetcher) browser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return b.browserCtx, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	log.Info().
		Bool("headless", b.opts.Headless).
		Int("viewport_width", b.opts.ViewportWidth).
		Int("viewport_height", b.opts.ViewportHeight).
		Msg("Browser started")

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	return browserCtx, nil
}

// tab returns the session's tab or a fresh one. Fresh tabs are closed by the
// returned function; session tabs live until CloseSession.
func (b *BrowserFetcher) tab(sessionID string) (context.Context, func(), error) {
	browserCtx, err := b.browser()
	if err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		ctx, cancel, err := newTab(browserCtx)
		if err != nil {
			return nil, nil, err
		}
		return ctx, cancel, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[sessionID]
	if !ok {
		ctx, cancel, err := newTab(browserCtx)
		if err != nil {
			return nil, nil, err
		}
		t = browserTab{ctx: ctx, cancel: cancel}
		b.tabs[sessionID] = t
	}
	return t.ctx, func() {}, nil
}

// newTab opens a target without a deadline so later run timeouts do not close it
func newTab(browserCtx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return ctx, cancel, nil
}

// CloseSession closes the tab held for a session
func (b *BrowserFetcher) CloseSession(sessionID string) {
	b.mu.Lock()
	t, ok := b.tabs[sessionID]
	delete(b.tabs, sessionID)
	b.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Close shuts the browser down
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.tabs {
		t.cancel()
		delete(b.tabs, id)
	}
	if b.browserCancel != nil {
		b.browserCancel()
		b.allocCancel()
		b.browserCtx = nil
	}
	return nil
}

// Fetch implements Fetcher
func (b *BrowserFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if _, err := validateFetchRequest(ctx, req.URL); err != nil {
		return nil, err
	}

	tabCtx, closeTab, err := b.tab(req.SessionID)
	if err != nil {
		return nil, crawlerr.Fetch(req.URL, "browser", err)
	}
	defer closeTab()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.opts.Timeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	res := &FetchResponse{URL: req.URL}

	if err := chromedp.Run(runCtx, b.setupActions(req)...); err != nil {
		return nil, b.wrapErr(ctx, req.URL, "setup", err, crawlerr.Render)
	}

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(req.URL))
	if err != nil {
		return nil, b.wrapErr(ctx, req.URL, "navigate", err, crawlerr.Fetch)
	}
	if resp != nil {
		res.StatusCode = int(resp.Status)
		res.Headers = make(map[string]string, len(resp.Headers))
		for k, v := range resp.Headers {
			res.Headers[strings.ToLower(k)] = fmt.Sprint(v)
		}
		if req.FetchSSLCertificate && resp.SecurityDetails != nil {
			sd := resp.SecurityDetails
			res.SSLCertificate = &SSLCertificate{
				Subject:   sd.SubjectName,
				Issuer:    sd.Issuer,
				DNSNames:  append([]string(nil), sd.SanList...),
				NotBefore: sd.ValidFrom.Time(),
				NotAfter:  sd.ValidTo.Time(),
			}
		}
	}

	if err := chromedp.Run(runCtx, b.readyActions(req)...); err != nil {
		return nil, b.wrapErr(ctx, req.URL, "wait", err, crawlerr.Render)
	}

	var html, finalURL string
	capture := []chromedp.Action{
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	}
	if req.Screenshot {
		capture = append(capture, screenshotAction(req.ScreenshotHeightThreshold, &res.Screenshot))
	}
	if req.PDF {
		capture = append(capture, chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			res.PDF = data
			return nil
		}))
	}
	if err := chromedp.Run(runCtx, capture...); err != nil {
		return nil, b.wrapErr(ctx, req.URL, "capture", err, crawlerr.Render)
	}

	res.HTML = html
	if finalURL != "" {
		res.URL = finalURL
	}
	res.ResponseTime = time.Since(start)

	log.Debug().
		Str("url", req.URL).
		Str("final_url", res.URL).
		Int("status", res.StatusCode).
		Int("html_bytes", len(html)).
		Bool("screenshot", len(res.Screenshot) > 0).
		Bool("pdf", len(res.PDF) > 0).
		Dur("duration", res.ResponseTime).
		Msg("Browser render complete")

	return res, nil
}

func (b *BrowserFetcher) setupActions(req *FetchRequest) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.EmulateViewport(int64(b.opts.ViewportWidth), int64(b.opts.ViewportHeight)),
	}
	if !b.opts.JavaScriptEnabled {
		actions = append(actions, emulation.SetScriptExecutionDisabled(true))
	}
	if len(b.opts.Headers) > 0 {
		headers := make(network.Headers, len(b.opts.Headers))
		for k, v := range b.opts.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	for _, c := range b.opts.Cookies {
		set := network.SetCookie(c.Name, c.Value)
		if c.Domain != "" {
			set = set.WithDomain(c.Domain)
		} else {
			set = set.WithURL(req.URL)
		}
		if c.Path != "" {
			set = set.WithPath(c.Path)
		}
		actions = append(actions, set)
	}
	return actions
}

func (b *BrowserFetcher) readyActions(req *FetchRequest) []chromedp.Action {
	var actions []chromedp.Action

	switch req.WaitUntil {
	case "load":
		actions = append(actions, waitForReadyState("complete"))
	case "networkidle":
		actions = append(actions, waitForReadyState("complete"), chromedp.Sleep(500*time.Millisecond))
	default:
		actions = append(actions, waitForReadyState("interactive", "complete"))
	}

	if kind, expr, ok := strings.Cut(req.WaitFor, ":"); ok {
		switch strings.TrimSpace(kind) {
		case "css":
			actions = append(actions, chromedp.WaitVisible(strings.TrimSpace(expr), chromedp.ByQuery))
		case "js":
			actions = append(actions, waitForJS(strings.TrimSpace(expr)))
		}
	} else if strings.TrimSpace(req.WaitFor) != "" {
		actions = append(actions, chromedp.WaitVisible(strings.TrimSpace(req.WaitFor), chromedp.ByQuery))
	}

	for _, code := range req.JSCode {
		actions = append(actions, chromedp.Evaluate(code, nil))
	}
	if req.ProcessIframes {
		actions = append(actions, chromedp.Evaluate(inlineIframesScript, nil))
	}
	if req.RemoveOverlays {
		actions = append(actions, chromedp.Evaluate(removeOverlaysScript, nil))
	}
	if req.DelayBeforeReturn > 0 {
		actions = append(actions, chromedp.Sleep(req.DelayBeforeReturn))
	}
	return actions
}

// wrapErr classifies a chromedp failure. Deadlines become timeouts unless the
// caller's own context was cancelled.
func (b *BrowserFetcher) wrapErr(callerCtx context.Context, url, op string, err error, kind func(string, string, error) *crawlerr.Error) error {
	if callerCtx.Err() != nil {
		if errors.Is(callerCtx.Err(), context.DeadlineExceeded) {
			return crawlerr.Timeout(url, op, callerCtx.Err())
		}
		return crawlerr.Fetch(url, op, callerCtx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return crawlerr.Timeout(url, op, err)
	}
	return kind(url, op, err)
}

func waitForReadyState(states ...string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			for _, s := range states {
				if readyState == s {
					return nil
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func waitForJS(expr string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var ok bool
			if err := chromedp.Evaluate(fmt.Sprintf("Boolean(%s)", expr), &ok).Do(ctx); err != nil {
				return fmt.Errorf("wait_for js: %w", err)
			}
			if ok {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// screenshotAction captures the full page, or only the viewport when the page is
// taller than heightThreshold
func screenshotAction(heightThreshold int, out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var height int
		if err := chromedp.Evaluate(`document.documentElement.scrollHeight`, &height).Do(ctx); err != nil {
			return err
		}
		if heightThreshold > 0 && height > heightThreshold {
			return chromedp.CaptureScreenshot(out).Do(ctx)
		}
		return chromedp.FullScreenshot(out, 100).Do(ctx)
	})
}
