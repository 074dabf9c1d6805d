package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// MinStaticChars is the extracted text length below which a fetched HTML page is assumed
// to be rendered client-side and is handed to the Renderer, if one is configured.
const MinStaticChars = 500

// Renderer returns the HTML of a page after its scripts have run
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// needsRendering reports whether static extraction found too little text
func needsRendering(text string) bool {
	return len(strings.TrimSpace(text)) < MinStaticChars
}

// BrowserRenderer renders pages in headless Chrome. Chrome or Chromium must be installed.
type BrowserRenderer struct {
	Timeout time.Duration
	// Settle is how long to wait after the body is ready for scripts to fill the page
	Settle time.Duration
}

// NewBrowserRenderer returns a renderer with the given timeout and a 3s settle delay
func NewBrowserRenderer(timeout time.Duration) *BrowserRenderer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BrowserRenderer{Timeout: timeout, Settle: 3 * time.Second}
}

// Render loads url in a fresh headless browser and returns the rendered document
func (b *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(DefaultUserAgent),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancel = context.WithTimeout(browserCtx, b.Timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(b.Settle),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("browser rendering failed: %w", err)
	}
	return html, nil
}
