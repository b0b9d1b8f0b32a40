// Package httpclient is the outbound-HTTP capability module: the
// require("httpclient") surface granted to scripts holding the
// "httpclient" permission (spec §4.D protected modules). The spec
// specifies this capability only at its interface; this is a thin
// net/http-backed implementation of that interface, not a full client
// library.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"boxhost/internal/boxerr"
)

// Response is the shape handed back to a script, already buffered —
// scripts don't get a raw io.ReadCloser to leak.
type Response struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Capability is the per-script outbound HTTP handle.
type Capability struct {
	client *http.Client
}

func New(timeout time.Duration) *Capability {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Capability{client: &http.Client{Timeout: timeout}}
}

// Do performs an HTTP request and buffers the full response body.
func (c *Capability) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "httpclient: building request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "httpclient: request failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "httpclient: reading response")
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}
