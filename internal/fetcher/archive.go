package fetcher

import (
	"archive/zip"
	"bytes"
	"mime"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

var zipMagic = []byte("PK\x03\x04")

// IsZIP reports whether data starts with a ZIP local file header.
func IsZIP(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// archiveNoise reports entries that are never the payload.
func archiveNoise(f *zip.File) bool {
	base := path.Base(f.Name)
	return f.FileInfo().IsDir() ||
		strings.HasPrefix(f.Name, "__MACOSX/") ||
		strings.HasPrefix(base, "._") ||
		strings.EqualFold(base, ".DS_Store")
}

// Unpack replaces a ZIP document with the single file it contains, so that
// hashing and rendering see the payload rather than the archive. Anything
// that is not a ZIP is returned unchanged. An archive holding more than one
// file is a permanent error: there is no rule for picking one.
func Unpack(doc *Document, limit int64) (*Document, error) {
	if !IsZIP(doc.Body) {
		return doc, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(doc.Body), int64(len(doc.Body)))
	if err != nil {
		return nil, &PermanentError{URL: doc.URL, Err: eris.Wrap(err, "open zip")}
	}
	var entry *zip.File
	for _, f := range zr.File {
		if archiveNoise(f) {
			continue
		}
		if entry != nil {
			return nil, &PermanentError{URL: doc.URL, Err: eris.Errorf("zip holds more than one file (%s, %s)", entry.Name, f.Name)}
		}
		entry = f
	}
	if entry == nil {
		return nil, &PermanentError{URL: doc.URL, Err: eris.New("zip holds no file")}
	}
	if limit > 0 && entry.UncompressedSize64 > uint64(limit) {
		return nil, &PermanentError{URL: doc.URL, Err: eris.Errorf("%s expands to %d bytes, limit %d", entry.Name, entry.UncompressedSize64, limit)}
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, &PermanentError{URL: doc.URL, Err: eris.Wrapf(err, "open %s", entry.Name)}
	}
	defer rc.Close() //nolint:errcheck
	body, err := readAll(doc.URL, rc, limit)
	if err != nil {
		return nil, err
	}
	return &Document{
		URL:          doc.URL + "#" + entry.Name,
		Body:         body,
		ContentType:  mime.TypeByExtension(path.Ext(entry.Name)),
		LastModified: entry.Modified.UTC(),
	}, nil
}
