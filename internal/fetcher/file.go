package fetcher

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// FileFetcher reads file:// URLs. Operators use it to submit documents
// saved locally.
type FileFetcher struct {
	MaxBytes int64
}

func (f *FileFetcher) path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return "", &PermanentError{URL: rawURL, Err: eris.New("expected file url")}
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = filepath.Join(u.Host, p)
	}
	return p, nil
}

func (f *FileFetcher) Download(_ context.Context, rawURL string) (io.ReadCloser, error) {
	p, err := f.path(rawURL)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "open file")}
	}
	return file, eris.Wrap(err, "fetcher: open file")
}

func (f *FileFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	rc, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	body, err := readAll(rawURL, rc, f.MaxBytes)
	if err != nil {
		return nil, err
	}
	p, _ := f.path(rawURL)
	doc := &Document{URL: rawURL, Body: body, ContentType: mime.TypeByExtension(filepath.Ext(p))}
	if info, err := os.Stat(p); err == nil {
		doc.LastModified = info.ModTime().UTC()
	}
	return doc, nil
}
