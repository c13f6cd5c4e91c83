package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Title string `xml:"title" json:"title"`
	Link  string `xml:"link" json:"link"`
}

func TestReadXML_Charset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<?xml version=\"1.0\" encoding=\"windows-1252\"?><rss><channel>" +
			"<item><title>CSMS \x93Section 232\x94</title><link>https://a</link></item>" +
			"<item><title>Second</title><link>https://b</link></item></channel></rss>"))
	}))
	defer srv.Close()

	items, err := ReadXML[item](context.Background(), newTestFetcher(), srv.URL, "item")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "CSMS “Section 232”", items[0].Title)
	assert.Equal(t, "https://b", items[1].Link)
}

func TestReadJSONArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"title":"a","link":"x"},{"title":"b","link":"y"}]`))
	}))
	defer srv.Close()

	items, err := ReadJSONArray[item](context.Background(), newTestFetcher(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestJSONElements_NotArray(t *testing.T) {
	var errs int
	for _, err := range JSONElements[item](strings.NewReader(`{"title":"a"}`)) {
		assert.ErrorContains(t, err, "not an array")
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestJSONElements_StopsEarly(t *testing.T) {
	var got []string
	for it, err := range JSONElements[item](strings.NewReader(`[{"title":"a"},{"title":"b"},{"title":"c"}]`)) {
		require.NoError(t, err)
		got = append(got, it.Title)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestXMLElements_Nested(t *testing.T) {
	body := `<root><a><item><title>x</title></item></a><item><title>y</title></item></root>`
	got, err := collect(context.Background(), XMLElements[item](strings.NewReader(body), "item"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "y", got[1].Title)
}

func TestReadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":"doc","link":"l"}`))
	}))
	defer srv.Close()

	got, err := ReadJSON[item](context.Background(), newTestFetcher(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "doc", got.Title)
}
