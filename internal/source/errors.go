package source

import (
	"fmt"
	"io"
	"net/http"
)

type httpError struct {
	url    string
	status int
	body   []byte
}

func newHTTPError(resp *http.Response) *httpError {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		body = []byte(fmt.Sprintf("(failed to read body: %v)", err))
	}

	return &httpError{status: resp.StatusCode, body: body, url: resp.Request.URL.String()}
}

func (h *httpError) Error() string {
	return fmt.Sprintf("http request to '%s' failed with status %d and body '%s'", h.url, h.status, string(h.body))
}

type retryableError struct {
	wrapped error
}

func (e *retryableError) Error() string {
	return e.wrapped.Error()
}

func (e *retryableError) Unwrap() error {
	return e.wrapped
}

type checksumError struct {
	expected string
	actual   string
}

func (e *checksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.expected, e.actual)
}
