package fetcher

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"iter"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// NewXMLDecoder returns a decoder that accepts the legacy charsets
// (windows-1252, iso-8859-1) some agency feeds still declare.
func NewXMLDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, in io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(in), nil
	}
	return dec
}

// XMLElements yields every element with the given local name, at any
// depth. Iteration stops after the first error.
func XMLElements[T any](r io.Reader, local string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		dec := NewXMLDecoder(r)
		var zero T
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(zero, eris.Wrap(err, "fetcher: xml token"))
				return
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != local {
				continue
			}
			var v T
			if err := dec.DecodeElement(&v, &se); err != nil {
				yield(zero, eris.Wrapf(err, "fetcher: decode <%s>", local))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// JSONElements yields the elements of a top-level JSON array without
// reading the whole array first. An empty body yields nothing.
func JSONElements[T any](r io.Reader) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		dec := json.NewDecoder(r)
		var zero T
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(zero, eris.Wrap(err, "fetcher: json array"))
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			yield(zero, eris.Errorf("fetcher: json body is not an array (starts with %v)", tok))
			return
		}
		for dec.More() {
			var v T
			if err := dec.Decode(&v); err != nil {
				yield(zero, eris.Wrap(err, "fetcher: json element"))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// collect drains seq, checking ctx between elements.
func collect[T any](ctx context.Context, seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadXML downloads url and decodes every element named local.
func ReadXML[T any](ctx context.Context, f Fetcher, url, local string) ([]T, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	return collect(ctx, XMLElements[T](body, local))
}

// ReadJSONArray downloads url and decodes each element of its array.
func ReadJSONArray[T any](ctx context.Context, f Fetcher, url string) ([]T, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	return collect(ctx, JSONElements[T](body))
}

// ReadJSON downloads url and decodes one JSON value.
func ReadJSON[T any](ctx context.Context, f Fetcher, url string) (*T, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	v := new(T)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode %s", url)
	}
	return v, nil
}
