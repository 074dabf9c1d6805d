package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (compatible; CapsuleForge/1.0)"

// DefaultMaxBodyBytes caps how much of a response is read
const DefaultMaxBodyBytes = 5 << 20

// FetchOptions configures document fetching.
type FetchOptions struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// DefaultFetchOptions returns sensible defaults for fetching.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		Timeout:      DefaultTimeout,
		UserAgent:    DefaultUserAgent,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

type fetchResult struct {
	Body        string
	ContentType string
	StatusCode  int
}

// fetchURL retrieves a document over HTTP(S)
func fetchURL(ctx context.Context, client *http.Client, urlStr string, opts FetchOptions) (*fetchResult, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &SourceError{Ref: urlStr, Message: "invalid URL", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, &SourceError{Ref: urlStr, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", opts.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &SourceError{Ref: urlStr, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{Ref: urlStr, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, &SourceError{Ref: urlStr, Message: "failed to read response body", Cause: err}
	}
	return &fetchResult{
		Body:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

// contentSelectors are tried in order to find the main content of an HTML page
var contentSelectors = []string{
	"main",
	"article",
	"[role='main']",
	".content",
	"#content",
	".main-content",
	"#main-content",
}

const noiseSelector = "nav, footer, header, aside, script, style, noscript, form, iframe, svg, .ad, .advertisement, .ads, .sidebar, .cookie-banner, .popup"

// ExtractMainText parses HTML and returns the page title and its main text as lightweight
// markdown: headings keep their level, list items become bullets, and blocks are separated
// by blank lines. If no content selector matches, the body is used.
func ExtractMainText(html string) (title string, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find(noiseSelector).Remove()

	var main *goquery.Selection
	for _, selector := range contentSelectors {
		if sel := doc.Find(selector); sel.Length() > 0 {
			main = sel.First()
			break
		}
	}
	if main == nil {
		main = doc.Find("body")
	}

	var b strings.Builder
	main.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// nested blocks are emitted by their innermost match
		if s.Is("li, blockquote, td") && s.Find("p, li").Length() > 0 {
			return
		}
		content := strings.TrimSpace(s.Text())
		if content == "" {
			return
		}
		switch {
		case s.Is("h1, h2, h3, h4, h5, h6"):
			level := int(goquery.NodeName(s)[1] - '0')
			b.WriteString(strings.Repeat("#", level) + " " + content)
		case s.Is("li"):
			b.WriteString("- " + content)
		default:
			b.WriteString(content)
		}
		b.WriteString("\n\n")
	})

	text = b.String()
	if strings.TrimSpace(text) == "" {
		// pages without block markup
		text = main.Text()
	}
	return title, CleanText(text), nil
}
