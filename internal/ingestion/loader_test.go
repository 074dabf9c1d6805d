package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/types"
)

func TestLoader_Topic(t *testing.T) {
	l := NewLoader(Options{})

	text, err := l.Load(context.Background(), types.Source{Kind: types.SourceTopic, Topic: "  Photosynthesis "})
	require.NoError(t, err)
	assert.Equal(t, "Topic: Photosynthesis", text)
}

func TestLoader_EmptyTopic(t *testing.T) {
	l := NewLoader(Options{})

	_, err := l.Load(context.Background(), types.Source{Kind: types.SourceTopic, Topic: "   "})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
}

func TestLoader_UnknownKind(t *testing.T) {
	l := NewLoader(Options{})

	_, err := l.Load(context.Background(), types.Source{Kind: "video"})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Contains(t, err.Error(), "unknown source kind")
}

func TestLoader_RemoteHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Cells</title></head><body><main><h1>The Cell</h1><p>Cells are the unit of life.</p></main></body></html>`))
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client()})
	text, err := l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: server.URL})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "Title: Cells\n\n"))
	assert.Contains(t, text, "# The Cell")
	assert.Contains(t, text, "Cells are the unit of life.")
}

func TestLoader_RemotePlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Line   one\r\n\r\n\r\n\r\nLine two"))
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client()})
	text, err := l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "Line one\n\nLine two", text)
}

func TestLoader_RemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client()})
	_, err := l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: server.URL})

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, server.URL, srcErr.Ref)
}

func TestLoader_RemoteEmptyDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><nav>only navigation</nav></body></html>`))
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client()})
	_, err := l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no readable text")
}

func TestLoader_Truncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("word ", 1000)))
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client(), MaxSourceChars: 200})
	doc, err := l.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, doc.Truncated)
	assert.LessOrEqual(t, len(doc.Text), 200)
	assert.Len(t, doc.Hash, 64)
}

func TestLoader_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes\n\nSome    notes"), 0o644))

	l := NewLoader(Options{AllowFiles: true})
	text, err := l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: path})
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nSome notes", text)

	text, err = l.Load(context.Background(), types.Source{Kind: types.SourceDocument, DocumentRef: "file://" + path})
	require.NoError(t, err)
	assert.Contains(t, text, "Some notes")
}

func TestLoader_LocalHTMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte(`<html><head><title>Saved</title></head><body><p>Saved page.</p></body></html>`), 0o644))

	l := NewLoader(Options{AllowFiles: true})
	doc, err := l.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Saved", doc.Title)
	assert.Equal(t, "Saved page.", doc.Text)
}

func TestLoader_LocalFileErrors(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(binary, []byte{0x00, 0x01}, 0o644))

	tests := []struct {
		name    string
		opts    Options
		ref     string
		wantMsg string
	}{
		{name: "files disabled", opts: Options{}, ref: filepath.Join(dir, "a.txt"), wantMsg: "disabled"},
		{name: "missing file", opts: Options{AllowFiles: true}, ref: filepath.Join(dir, "missing.txt"), wantMsg: "file not found"},
		{name: "unsupported type", opts: Options{AllowFiles: true}, ref: binary, wantMsg: "unsupported file type"},
		{name: "empty ref", opts: Options{AllowFiles: true}, ref: "  ", wantMsg: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(tt.opts)
			_, err := l.Resolve(context.Background(), tt.ref)

			var srcErr *SourceError
			require.ErrorAs(t, err, &srcErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoader_UsesCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("cached body"))
	}))
	defer server.Close()

	l := NewLoader(Options{HTTPClient: server.Client(), Cache: NewMemoryCache(time.Hour)})
	for i := 0; i < 3; i++ {
		doc, err := l.Resolve(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, "cached body", doc.Text)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	doc := &Document{Ref: "ref", Text: "text", FetchedAt: now}
	require.NoError(t, c.Put(context.Background(), doc))

	got, err := c.Get(context.Background(), "ref")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "text", got.Text)

	now = now.Add(2 * time.Minute)
	got, err = c.Get(context.Background(), "ref")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, got)
}

type fakeRenderer struct {
	html  string
	err   error
	calls atomic.Int32
}

func (f *fakeRenderer) Render(context.Context, string) (string, error) {
	f.calls.Add(1)
	return f.html, f.err
}

func TestLoader_RendersScriptPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>App</title></head><body><div id="root"><p>Loading...</p></div></body></html>`))
	}))
	defer server.Close()

	body := strings.Repeat("Mitochondria produce most of the cell's energy. ", 20)
	renderer := &fakeRenderer{html: `<html><head><title>Organelles</title></head><body><main><p>` + body + `</p></main></body></html>`}
	l := NewLoader(Options{HTTPClient: server.Client(), Renderer: renderer})

	doc, err := l.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), renderer.calls.Load())
	assert.Equal(t, "Organelles", doc.Title)
	assert.Contains(t, doc.Text, "Mitochondria produce")
}

func TestLoader_SkipsRenderingForFullPages(t *testing.T) {
	body := strings.Repeat("Static pages carry their text in the response. ", 20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><main><p>` + body + `</p></main></body></html>`))
	}))
	defer server.Close()

	renderer := &fakeRenderer{html: "<html></html>"}
	l := NewLoader(Options{HTTPClient: server.Client(), Renderer: renderer})

	_, err := l.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Zero(t, renderer.calls.Load())
}

func TestLoader_RenderFailureKeepsStaticText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><main><p>Short but readable.</p></main></body></html>`))
	}))
	defer server.Close()

	renderer := &fakeRenderer{err: errors.New("chrome not installed")}
	l := NewLoader(Options{HTTPClient: server.Client(), Renderer: renderer})

	doc, err := l.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), renderer.calls.Load())
	assert.Contains(t, doc.Text, "Short but readable.")
}
