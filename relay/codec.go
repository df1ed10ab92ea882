package relay

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// Codec frames requests and responses on an established transport. Wire
// framing is a collaborator, not part of this package's job: the pool and
// retry machinery only care that a request can be written and a parsed
// response read back.
type Codec interface {
	WriteRequest(w io.Writer, req *Request) error
	ReadResponse(r *bufio.Reader, req *Request) (*Response, error)
}

// http1Codec is the default codec. It delegates HTTP/1.1 byte framing to
// net/http and buffers the response body in full so the connection can be
// released as soon as the exchange completes.
type http1Codec struct{}

func (http1Codec) WriteRequest(w io.Writer, req *Request) error {
	hr, err := req.std()
	if err != nil {
		return err
	}
	if hr.Header.Get("Host") == "" {
		hr.Host = req.URL.Host
	}
	return hr.Write(w)
}

func (http1Codec) ReadResponse(r *bufio.Reader, req *Request) (*Response, error) {
	hr, err := req.std()
	if err != nil {
		return nil, err
	}

	sr, err := http.ReadResponse(r, hr)
	if err != nil {
		return nil, err
	}
	defer sr.Body.Close()

	body, err := io.ReadAll(sr.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: sr.StatusCode,
		Status:     sr.Status,
		Proto:      sr.Proto,
		Header:     sr.Header,
		Body:       body,
		willClose:  responseWillClose(sr),
	}, nil
}

// responseWillClose reports whether the server forbids reuse of the
// underlying connection.
func responseWillClose(sr *http.Response) bool {
	if sr.Close {
		return true
	}
	if strings.EqualFold(sr.Header.Get("Connection"), "close") {
		return true
	}
	// HTTP/1.0 closes unless keep-alive is explicit.
	if sr.ProtoMajor == 1 && sr.ProtoMinor == 0 {
		return !strings.EqualFold(sr.Header.Get("Connection"), "keep-alive")
	}
	return false
}
