// Package acquire downloads answer-sheet PDFs into a run workspace and
// extracts their plain text.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// ErrFetchFailed covers network failures, non-2xx responses and oversized documents.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrExtractFailed is returned when a downloaded file cannot be read as a PDF.
	ErrExtractFailed = errors.New("text extraction failed")
	// ErrEmptyDocument is returned when a PDF holds no text beyond whitespace.
	ErrEmptyDocument = errors.New("empty document")
)

// ExtractFunc reads the plain text of the PDF at path.
type ExtractFunc func(path string) (string, error)

// Fetcher downloads documents and extracts their text.
type Fetcher struct {
	client     *http.Client
	maxBytes   int64
	extract    ExtractFunc
	localFiles bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout sets a per-download timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client = &http.Client{Timeout: d}
		}
	}
}

// WithMaxBytes caps the size of a downloaded document. Zero means no cap.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithLocalFiles allows file URLs and bare paths. Off by default so a
// server never reads its own filesystem on a caller's behalf.
func WithLocalFiles(allow bool) Option {
	return func(f *Fetcher) { f.localFiles = allow }
}

// WithExtractor replaces the PDF text extractor.
func WithExtractor(fn ExtractFunc) Option {
	return func(f *Fetcher) { f.extract = fn }
}

// NewFetcher creates a Fetcher backed by the PDF extractor in this package.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 60 * time.Second},
		extract: Extract,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Extract runs the configured extractor on a downloaded file.
func (f *Fetcher) Extract(path string) (string, error) {
	text, err := f.extract(path)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

// Download streams the document at rawURL into the workspace file for role
// and returns the file path. http and https URLs are fetched; file URLs and
// bare paths are copied from the local filesystem when WithLocalFiles is set.
func (f *Fetcher) Download(ctx context.Context, ws *Workspace, role, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrFetchFailed, err)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = f.get(ctx, rawURL)
	case "file", "":
		if !f.localFiles {
			return "", fmt.Errorf("%w: local files are not allowed", ErrFetchFailed)
		}
		path := u.Path
		if u.Scheme == "" {
			path = rawURL
		}
		body, err = openLocal(path)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, u.Scheme)
	}
	if err != nil {
		return "", err
	}
	defer body.Close()

	path := ws.Path(role)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	n, err := f.copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	slog.Debug("downloaded document", "role", role, "bytes", n, "run_id", ws.RunID())
	return path, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %s", ErrFetchFailed, resp.Status)
	}
	return resp.Body, nil
}

func openLocal(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return file, nil
}

func (f *Fetcher) copy(dst io.Writer, src io.Reader) (int64, error) {
	if f.maxBytes <= 0 {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		return n, nil
	}

	n, err := io.Copy(dst, io.LimitReader(src, f.maxBytes+1))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if n > f.maxBytes {
		return n, fmt.Errorf("%w: document exceeds %d bytes", ErrFetchFailed, f.maxBytes)
	}
	return n, nil
}
