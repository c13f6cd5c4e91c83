package resilience

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", NewTransientError(errors.New("x"), 503), true},
		{"wrapped mark", eris.Wrap(NewTransientError(errors.New("x"), 0), "fetch"), true},
		{"net timeout", fmt.Errorf("get: %w", timeoutErr{}), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"unexpected eof", fmt.Errorf("body: %w", io.ErrUnexpectedEOF), true},
		{"flattened message", errors.New("ftp: read tcp 10.0.0.1: i/o timeout"), true},
		{"plain", errors.New("quote not found verbatim"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, TransientStatus(code), "%d", code)
	}
	for _, code := range []int{200, 304, 400, 401, 403, 404, 410, 501, 505} {
		assert.False(t, TransientStatus(code), "%d", code)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestFromResponse(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"5"}}}
	te := FromResponse(resp, errors.New("http 429"))
	if assert.NotNil(t, te) {
		assert.Equal(t, 5*time.Second, te.RetryAfter)
		assert.Equal(t, 5*time.Second, RetryAfter(eris.Wrap(te, "fetch")))
		assert.Contains(t, te.Error(), "status 429")
	}
	assert.Nil(t, FromResponse(&http.Response{StatusCode: http.StatusNotFound}, errors.New("404")))
}
