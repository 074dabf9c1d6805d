// Package ingestion resolves capsule sources into prompt-ready text: topics pass through,
// documents are read from disk or fetched over HTTP, cleaned, and truncated.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/types"
)

// DefaultMaxSourceChars bounds the source text placed into a prompt
const DefaultMaxSourceChars = 24000

// Options configures a Loader
type Options struct {
	Fetch          FetchOptions
	MaxSourceChars int
	// AllowFiles permits local file references. API servers leave this off.
	AllowFiles bool
	Cache      Cache
	// Renderer, when set, re-renders HTML pages whose static text is too short
	Renderer   Renderer
	HTTPClient *http.Client
	Logger     *observability.Logger
}

// Loader implements source resolution for the stage executor
type Loader struct {
	opts   Options
	client *http.Client
	log    *observability.Logger
}

// NewLoader creates a Loader
func NewLoader(opts Options) *Loader {
	if opts.Fetch.Timeout <= 0 {
		opts.Fetch.Timeout = DefaultTimeout
	}
	if opts.Fetch.UserAgent == "" {
		opts.Fetch.UserAgent = DefaultUserAgent
	}
	if opts.Fetch.MaxBodyBytes <= 0 {
		opts.Fetch.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxSourceChars <= 0 {
		opts.MaxSourceChars = DefaultMaxSourceChars
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Fetch.Timeout}
	}
	return &Loader{opts: opts, client: client, log: log}
}

// Load returns the text a prompt should be grounded on
func (l *Loader) Load(ctx context.Context, src types.Source) (string, error) {
	switch src.Kind {
	case types.SourceTopic:
		topic := strings.TrimSpace(src.Topic)
		if topic == "" {
			return "", &SourceError{Ref: "topic", Message: "topic is empty"}
		}
		return "Topic: " + topic, nil
	case types.SourceDocument:
		doc, err := l.Resolve(ctx, src.DocumentRef)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		if doc.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n\n", doc.Title)
		}
		b.WriteString(doc.Text)
		return b.String(), nil
	default:
		return "", &SourceError{Ref: string(src.Kind), Message: "unknown source kind"}
	}
}

// Resolve loads a document reference, consulting the cache first
func (l *Loader) Resolve(ctx context.Context, ref string) (*Document, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &SourceError{Ref: "document", Message: "document reference is empty"}
	}

	if l.opts.Cache != nil {
		doc, err := l.opts.Cache.Get(ctx, ref)
		if err != nil {
			l.log.Warn("source cache read failed", "ref", ref, "error", err)
		} else if doc != nil {
			l.log.Debug("source cache hit", "ref", ref, "hash", doc.Hash)
			return doc, nil
		}
	}

	var (
		doc *Document
		err error
	)
	if isRemote(ref) {
		doc, err = l.fetchDocument(ctx, ref)
	} else {
		doc, err = l.readFile(ref)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, &SourceError{Ref: ref, Message: "document has no readable text"}
	}

	l.log.Info("source resolved", "ref", ref, "chars", len(doc.Text), "truncated", doc.Truncated)
	if l.opts.Cache != nil {
		if err := l.opts.Cache.Put(ctx, doc); err != nil {
			l.log.Warn("source cache write failed", "ref", ref, "error", err)
		}
	}
	return doc, nil
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (l *Loader) fetchDocument(ctx context.Context, ref string) (*Document, error) {
	res, err := fetchURL(ctx, l.client, ref, l.opts.Fetch)
	if err != nil {
		return nil, err
	}
	title, text := "", res.Body
	if isHTML(res.ContentType, res.Body) {
		title, text, err = ExtractMainText(res.Body)
		if err != nil {
			return nil, &SourceError{Ref: ref, Message: "failed to extract text", Cause: err}
		}
		if l.opts.Renderer != nil && needsRendering(text) {
			title, text = l.render(ctx, ref, title, text)
		}
	} else {
		text = CleanText(text)
	}
	text, truncated := Truncate(text, l.opts.MaxSourceChars)
	return newDocument(ref, title, text, truncated), nil
}

// render retries extraction on the browser-rendered page, keeping the static result
// when rendering fails or finds less text
func (l *Loader) render(ctx context.Context, ref, title, text string) (string, string) {
	l.log.Debug("static text too short, rendering page", "ref", ref, "chars", len(text))
	html, err := l.opts.Renderer.Render(ctx, ref)
	if err != nil {
		l.log.Warn("page rendering failed, using static text", "ref", ref, "error", err)
		return title, text
	}
	renderedTitle, rendered, err := ExtractMainText(html)
	if err != nil || len(rendered) <= len(text) {
		return title, text
	}
	if renderedTitle == "" {
		renderedTitle = title
	}
	return renderedTitle, rendered
}

func isHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

var fileExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
}

func (l *Loader) readFile(ref string) (*Document, error) {
	if !l.opts.AllowFiles {
		return nil, &SourceError{Ref: ref, Message: "local file sources are disabled"}
	}
	path := ref
	if strings.HasPrefix(strings.ToLower(ref), "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, &SourceError{Ref: ref, Message: "invalid file URL", Cause: err}
		}
		path = u.Path
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !fileExtensions[ext] {
		return nil, &SourceError{Ref: ref, Message: fmt.Sprintf("unsupported file type %q", ext)}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SourceError{Ref: ref, Message: "file not found", Cause: err}
		}
		return nil, &SourceError{Ref: ref, Message: "failed to stat file", Cause: err}
	}
	if info.Size() > l.opts.Fetch.MaxBodyBytes {
		return nil, &SourceError{Ref: ref, Message: "file too large"}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SourceError{Ref: ref, Message: "failed to read file", Cause: err}
	}

	title, text := "", string(raw)
	if ext == ".html" || ext == ".htm" {
		title, text, err = ExtractMainText(text)
		if err != nil {
			return nil, &SourceError{Ref: ref, Message: "failed to extract text", Cause: err}
		}
	} else {
		text = CleanText(text)
	}
	text, truncated := Truncate(text, l.opts.MaxSourceChars)
	return newDocument(ref, title, text, truncated), nil
}
