package relay

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Response is a fully buffered HTTP response. The body is read to completion
// before the connection returns to the pool, so a Response stays valid after
// its connection has been reused or closed.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
	Body       []byte

	// willClose records that the server signalled the connection must not
	// be reused (Connection: close or an HTTP/1.0 response without
	// keep-alive).
	willClose bool
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports whether the response is a redirect the client can
// follow: a 3xx status carrying a Location header.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return r.Location() != ""
	default:
		return false
	}
}

// Location returns the Location header, or "" if absent.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// RetryAfter returns the raw Retry-After header value and whether it was set.
func (r *Response) RetryAfter() (string, bool) {
	v := r.Header.Get("Retry-After")
	return v, v != ""
}

// WillClose reports whether the server asked for the connection to be closed
// after this response.
func (r *Response) WillClose() bool { return r.willClose }

// JSON decodes the buffered body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}
