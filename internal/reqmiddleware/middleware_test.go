package reqmiddleware

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	status  int
	headers map[string]string
	cookies []CookieSpec
	body    []byte
	ct      string
}

func newFakeWriter() *fakeWriter { return &fakeWriter{headers: map[string]string{}} }

func (w *fakeWriter) WriteStatus(status int)             { w.status = status }
func (w *fakeWriter) WriteHeader(key, value string)      { w.headers[key] = value }
func (w *fakeWriter) WriteCookie(c CookieSpec)            { w.cookies = append(w.cookies, c) }
func (w *fakeWriter) WriteBody(contentType string, body []byte) { w.ct = contentType; w.body = body }

func TestParseMaxBodySize(t *testing.T) {
	n, err := ParseMaxBodySize("1kb")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	_, err = ParseMaxBodySize("not-a-size")
	assert.Error(t, err)

	n, err = ParseMaxBodySize("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestResponseSendOnlyOnce(t *testing.T) {
	w := newFakeWriter()
	r := newResponseView(w)

	ignored := r.Send("first", 200, "")
	assert.False(t, ignored)
	assert.Equal(t, 200, w.status)
	assert.Equal(t, []byte("first"), w.body)

	ignored = r.Send("second", 201, "")
	assert.True(t, ignored)
	assert.Equal(t, []byte("first"), w.body) // unchanged
}

func TestResponseSendJSONObject(t *testing.T) {
	w := newFakeWriter()
	r := newResponseView(w)
	r.Send(map[string]int{"a": 1}, 0, "")
	assert.Equal(t, "application/json", w.ct)
	assert.JSONEq(t, `{"a":1}`, string(w.body))
}

func TestEntryBodySizeCapExceeded(t *testing.T) {
	w := newFakeWriter()
	resp := newResponseView(w)
	body := strings.Repeat("x", 2048)
	req := RawRequest{
		Method:      http.MethodPost,
		ContentType: "application/json",
		ContentLen:  int64(len(body)),
		Body:        strings.NewReader(body),
		Header:      http.Header{},
	}

	var captured *G
	Entry(context.Background(), req, resp, AppView{Name: "demo"}, noopLogger{}, 1024, nil, nil, func(ctx context.Context, g *G) error {
		captured = g
		return nil
	})

	require.NotNil(t, captured)
	bodyErr, ok := captured.Request.Body.(*BodyError)
	require.True(t, ok)
	assert.Equal(t, "Payload size exceeded", bodyErr.Error)
}

func TestEntryJSONBodyParsed(t *testing.T) {
	w := newFakeWriter()
	resp := newResponseView(w)
	req := RawRequest{
		Method:      http.MethodPost,
		ContentType: "application/json",
		ContentLen:  2,
		Body:        strings.NewReader(`{"x":1}`),
		Header:      http.Header{},
	}

	var captured *G
	Entry(context.Background(), req, resp, AppView{Name: "demo"}, noopLogger{}, 0, nil, nil, func(ctx context.Context, g *G) error {
		captured = g
		return nil
	})

	m, ok := captured.Request.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["x"])
}

func TestEntrySkipsWhenAlreadyDone(t *testing.T) {
	w := newFakeWriter()
	resp := newResponseView(w)
	resp.Send("already", 200, "")

	called := false
	Entry(context.Background(), RawRequest{Header: http.Header{}}, resp, AppView{}, noopLogger{}, 0, nil, nil, func(ctx context.Context, g *G) error {
		called = true
		return nil
	})
	assert.False(t, called)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
