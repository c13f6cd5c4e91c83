// Package fetcher downloads official documents over HTTP, FTP and local
// paths, and decodes the feeds watchers poll.
package fetcher

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Document is a fully downloaded artifact.
type Document struct {
	URL          string    `json:"url"`
	Body         []byte    `json:"-"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Fetcher retrieves a URL.
type Fetcher interface {
	// Download returns the response body. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
	// Fetch downloads the whole body, bounded by the fetcher's size limit.
	Fetch(ctx context.Context, url string) (*Document, error)
}

// PermanentError marks a failure retrying cannot fix (404, 403, bad URL).
type PermanentError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return "fetcher: " + e.URL + ": " + e.Err.Error()
	}
	return "fetcher: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or its chain) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Router dispatches on URL scheme.
type Router struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
	File *FileFetcher
}

var _ Fetcher = (*Router)(nil)

func (r *Router) pick(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "parse url")}
	}
	var f Fetcher
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if r.HTTP != nil {
			f = r.HTTP
		}
	case "ftp":
		if r.FTP != nil {
			f = r.FTP
		}
	case "file":
		if r.File != nil {
			f = r.File
		}
	}
	if f == nil {
		return nil, &PermanentError{URL: rawURL, Err: eris.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f, nil
}

func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

func (r *Router) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, rawURL)
}

// readAll reads at most limit bytes; a longer body is a permanent error.
func readAll(rawURL string, r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return data, eris.Wrap(err, "fetcher: read body")
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	if int64(len(data)) > limit {
		return nil, &PermanentError{URL: rawURL, Err: eris.Errorf("body exceeds %d bytes", limit)}
	}
	return data, nil
}
