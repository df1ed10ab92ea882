package relay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// HeaderField is a single (name, value) pair. Request headers are kept as an
// ordered sequence so they are written in the order the caller supplied them.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderFields converts a plain map into an ordered header sequence. Names
// are sorted so the result is deterministic.
func HeaderFields(m map[string]string) []HeaderField {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]HeaderField, 0, len(m))
	for _, name := range names {
		fields = append(fields, HeaderField{Name: name, Value: m[name]})
	}
	return fields
}

// Request describes one logical HTTP request. The body is held as a byte
// slice so it can be replayed across retries and redirects.
type Request struct {
	Method  string
	URL     *url.URL
	Headers []HeaderField
	Body    []byte

	// Retry overrides the client's default retry policy when non-nil.
	Retry *Retry

	// PoolOptions overrides the client's connection options when non-nil.
	// Requests with different pool options never share pooled connections.
	PoolOptions *ConnOptions
}

// NewRequest builds a Request for the given method and absolute URL.
func NewRequest(method, rawURL string, headers []HeaderField, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("relay: url %q is not absolute", rawURL)
	}
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     u,
		Headers: headers,
		Body:    body,
	}, nil
}

// NewJSONRequest builds a Request whose body is the JSON encoding of v, with
// Content-Type set to application/json.
func NewJSONRequest(method, rawURL string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: encode body: %w", err)
	}
	req, err := NewRequest(method, rawURL, nil, body)
	if err != nil {
		return nil, err
	}
	req.SetHeader("Content-Type", "application/json")
	return req, nil
}

// Header returns the first value for name, matching case-insensitively.
func (r *Request) Header(name string) string {
	for _, f := range r.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// SetHeader replaces every existing value for name with value, appending a
// new field if none exists.
func (r *Request) SetHeader(name, value string) {
	r.removeHeader(name)
	r.Headers = append(r.Headers, HeaderField{Name: name, Value: value})
}

func (r *Request) removeHeader(name string) {
	kept := r.Headers[:0]
	for _, f := range r.Headers {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	r.Headers = kept
}

// clone returns a deep enough copy for the redirect loop to mutate.
func (r *Request) clone() *Request {
	u := *r.URL
	headers := make([]HeaderField, len(r.Headers))
	copy(headers, r.Headers)
	return &Request{
		Method:      r.Method,
		URL:         &u,
		Headers:     headers,
		Body:        r.Body,
		Retry:       r.Retry,
		PoolOptions: r.PoolOptions,
	}
}

// std converts the request into an *http.Request for the wire codec.
func (r *Request) std() (*http.Request, error) {
	hr, err := http.NewRequest(r.Method, r.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	for _, f := range r.Headers {
		hr.Header.Add(f.Name, f.Value)
	}
	if len(r.Body) > 0 {
		body := r.Body
		hr.ContentLength = int64(len(body))
		hr.Body = io.NopCloser(bytes.NewReader(body))
		hr.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return hr, nil
}
