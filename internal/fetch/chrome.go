package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the headless browser fetcher.
type ChromeOptions struct {
	Headless  bool
	UserAgent string

	// PageTimeout bounds navigation plus the readiness wait for one page.
	PageTimeout time.Duration
	// Settle is an extra pause after the document reports complete, for late XHR rendering.
	Settle time.Duration
}

// Chrome renders pages in a shared Chrome process, one tab per fetch.
type Chrome struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	opts        ChromeOptions
}

// NewChrome starts an exec allocator. The browser process is launched lazily on the
// first fetch; Close releases it.
func NewChrome(opts ChromeOptions) *Chrome {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 60 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(opts.UserAgent),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	return &Chrome{allocCtx: allocCtx, allocCancel: cancel, opts: opts}
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	if c == nil || c.allocCancel == nil {
		return
	}
	c.allocCancel()
}

func (c *Chrome) Fetch(ctx context.Context, target string) (Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.allocCtx, chromedp.WithLogf(func(string, ...any) {}))
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.opts.PageTimeout)
	defer cancelTimeout()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Poll(`document.readyState === "complete"`, nil, chromedp.WithPollingInterval(250*time.Millisecond)),
	}
	if c.opts.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(c.opts.Settle))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, fmt.Errorf("render %s: %w", target, err)
	}
	if strings.TrimSpace(html) == "" {
		return Page{}, ErrEmptyResponse
	}
	return Page{URL: target, HTML: []byte(html)}, nil
}
