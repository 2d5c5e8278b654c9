// Package headless fetches multi-version section pages with a real
// browser. The version selector posts back through JSF javascript, so
// individual versions can only be reached by clicking through it.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const versionLinkSelector = `a.portletNav`

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher drives headless Chrome via chromedp. Every fetch runs in a
// fresh tab so JSF view state never leaks between versions.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// VersionDescriptions loads the selector page and returns the link text
// of every selectable version, in page order.
func (f *Fetcher) VersionDescriptions(ctx context.Context, selectorURL string) ([]string, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	taskCtx, cancel := f.newTab(ctx)
	defer cancel()

	var descriptions []string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(selectorURL),
		chromedp.WaitVisible(versionLinkSelector, chromedp.ByQuery),
		chromedp.Evaluate(
			fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(a => a.textContent.trim())`, versionLinkSelector),
			&descriptions,
		),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return descriptions, nil
}

// FetchVersion clicks through to the index-th version (zero based) and
// returns the rendered page HTML plus the URL it landed on. The landed
// URL carries the nodeTreePath needed for the matching print view.
func (f *Fetcher) FetchVersion(ctx context.Context, selectorURL string, index int) (string, string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", "", err
	}
	defer f.release()

	taskCtx, cancel := f.newTab(ctx)
	defer cancel()

	var (
		html     string
		landedAt string
	)
	click := fmt.Sprintf(`document.querySelectorAll(%q)[%d].click()`, versionLinkSelector, index)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(selectorURL),
		chromedp.WaitVisible(versionLinkSelector, chromedp.ByQuery),
		chromedp.Evaluate(click, nil),
		chromedp.WaitReady("h6", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&landedAt),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", "", fmt.Errorf("fetch version %d: %w", index, err)
	}
	return html, landedAt, nil
}

// FetchPage renders an arbitrary URL and returns the page HTML. Used
// for print views, which need no click-through.
func (f *Fetcher) FetchPage(ctx context.Context, url string) (string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	taskCtx, cancel := f.newTab(ctx)
	defer cancel()

	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	return html, nil
}

// newTab builds a fresh browser context bounded by the navigation
// timeout and by the caller's context.
func (f *Fetcher) newTab(ctx context.Context) (context.Context, context.CancelFunc) {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)

	stop := context.AfterFunc(ctx, timeoutCancel)
	return taskCtx, func() {
		stop()
		timeoutCancel()
		taskCancel()
	}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}
