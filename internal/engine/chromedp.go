// Package engine contains browser adapters that render pages for capture.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/caplake/caplake/internal/capture"
)

// Config controls the behavior of the chromedp engine.
type Config struct {
	UserAgent         string
	ChromePath        string
	NavigationTimeout time.Duration
}

// Chromedp implements capture.Engine using headless Chrome. Concurrency
// is bounded upstream by the dispatcher's claim capacity, so a single
// shared allocator serves all direct captures. Jobs that request a proxy
// get a dedicated allocator because the proxy flag is per-browser.
type Chromedp struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a capture engine backed by chromedp.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 90 * time.Second
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, "")...)

	return &Chromedp{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the shared allocator context.
func (e *Chromedp) Close() {
	e.allocCancel()
}

// Capture navigates with a headless browser and returns the rendered DOM
// plus an optional full-page screenshot. Cancellation and deadline of ctx
// are honored; those surface as the context's own error rather than an
// EngineError so callers can tell a timeout from a page failure.
func (e *Chromedp) Capture(ctx context.Context, job capture.Job) (capture.Page, error) {
	allocator := e.allocator
	if proxy := job.Settings.Proxy; proxy != "" {
		proxyCtx, proxyCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(e.cfg, proxy)...)
		defer proxyCancel()
		allocator = proxyCtx
	}

	taskCtx, taskCancel := chromedp.NewContext(allocator)
	defer taskCancel()

	// The task context descends from the allocator, not from ctx, so the
	// caller's cancellation has to be forwarded by hand.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.navTimeout(job.Settings))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, screenshot, finalURL, err := e.runHeadless(taskCtx, job)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return capture.Page{}, ctxErr
		}
		return capture.Page{}, capture.NewEngineError(job.URL, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(job.URL, finalURL)

	return capture.Page{
		URL:        responseURL,
		StatusCode: status,
		HTML:       html,
		Screenshot: screenshot,
	}, nil
}

func (e *Chromedp) runHeadless(ctx context.Context, job capture.Job) (string, []byte, string, error) {
	var (
		html       string
		finalURL   string
		screenshot []byte
	)
	actions := []chromedp.Action{
		e.networkSetupAction(job.Settings),
	}
	if job.Settings.Width > 0 && job.Settings.Height > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(job.Settings.Width), int64(job.Settings.Height)))
	}
	actions = append(actions,
		chromedp.Navigate(job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if job.Settings.WithScreenshot {
		actions = append(actions, chromedp.FullScreenshot(&screenshot, 90))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", nil, "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, screenshot, finalURL, nil
}

func (e *Chromedp) networkSetupAction(settings capture.Settings) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := e.userAgent(settings); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := extraHeaders(settings); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (e *Chromedp) userAgent(settings capture.Settings) string {
	if settings.UserAgent != "" {
		return settings.UserAgent
	}
	return e.cfg.UserAgent
}

func (e *Chromedp) navTimeout(settings capture.Settings) time.Duration {
	if settings.TimeoutSec > 0 {
		return time.Duration(settings.TimeoutSec) * time.Second
	}
	return e.cfg.NavigationTimeout
}

// allocatorOptions assembles the Chrome launch flags. A non-empty proxy
// adds the per-browser proxy flag.
func allocatorOptions(cfg Config, proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// extraHeaders merges the per-job referer into the request headers in the
// shape the CDP network domain expects.
func extraHeaders(settings capture.Settings) network.Headers {
	if len(settings.Headers) == 0 && settings.Referer == "" {
		return nil
	}
	headers := network.Headers{}
	for key, value := range settings.Headers {
		headers[key] = value
	}
	if settings.Referer != "" {
		headers["Referer"] = settings.Referer
	}
	return headers
}

// responseMeta records the status and final URL of the document response
// observed on the CDP event stream during a navigation.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

// snapshotWithFallbacks fills in the request URL and a 200 status when
// the event stream produced nothing, which happens for about: pages and
// some cached navigations.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	status, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
