// Package reqmiddleware implements the "handler entry" function (spec
// §4.E): body parsing by content-type with a size cap, and the
// script-visible $g request/response surface built from the Context
// (spec §3 "$g").
//
// Grounded on the teacher's gin_middleware.go (header/security
// middleware shape) and gin_app_handlers.go (request binding); body-cap
// parsing uses github.com/dustin/go-humanize for the configured size
// literal.
package reqmiddleware

import (
	"encoding/json"

	"boxhost/internal/authtoken"
	"boxhost/internal/registry"
)

// AppView is the "app" field of $g (spec §3): name/version/description/env.
type AppView struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Env         map[string]string `json:"env"`

	// Token signs/verifies session tokens against the app's configured
	// JWT secret (spec §3 "JWT secret"); nil when the app has none
	// configured. Not JSON-visible — it's a capability, not data.
	Token *authtoken.Helper `json:"-"`
}

// BodyError is the tagged-union member emitted when a request body
// exceeds the configured cap (spec §4.E step 4, §5 cancellation note).
type BodyError struct {
	Error string `json:"error"`
}

// UploadedFile is one multipart file entry (spec §4.E step 5).
type UploadedFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
	Data []byte `json:"data"`
}

// RequestView is $g.request (spec §3).
type RequestView struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Cookies map[string]string   `json:"cookies"`
	Query   map[string][]string `json:"query"`
	Params  map[string]string   `json:"params"`

	// Body is a tagged union: nil, string, []byte, map[string]any, or
	// *BodyError (spec §9 "the request body is a tagged union").
	Body any `json:"body"`

	// Files is populated only for multipart/form-data bodies.
	Files map[string]UploadedFile `json:"files,omitempty"`
}

// ResponseView is $g.response (spec §3).
type ResponseView struct {
	Status      int
	Headers     map[string]string
	Cookies     []CookieSpec
	done        bool
	writer      Writer
}

// CookieSpec is one accumulated response cookie (spec §4.E "response.send").
type CookieSpec struct {
	Name, Value, Path, Domain string
	MaxAgeSeconds             int
	Secure, HTTPOnly          bool
}

// Writer is the minimal sink ResponseView.Send needs; a *gin.Context
// satisfies it through internal/dispatcher's ginResponseWriter adapter.
type Writer interface {
	WriteStatus(status int)
	WriteHeader(key, value string)
	WriteCookie(c CookieSpec)
	WriteBody(contentType string, body []byte)
}

func newResponseView(w Writer) *ResponseView {
	return &ResponseView{Status: 200, Headers: map[string]string{}, writer: w}
}

// NewResponseView constructs a ResponseView writing through w — the
// dispatcher's gin adapter is the production Writer implementation.
func NewResponseView(w Writer) *ResponseView { return newResponseView(w) }

// Send implements spec §4.E's response.send and §8 invariant 8: once
// completed, later calls are ignored (with a warning left to the caller
// to log, since ResponseView has no logger of its own).
func (r *ResponseView) Send(data any, status int, contentType string) (ignored bool) {
	if r.done {
		return true
	}
	r.done = true
	if status == 0 {
		status = r.Status
	}

	var body []byte
	ct := contentType
	switch v := data.(type) {
	case nil:
		body = nil
	case []byte:
		body = v
		if ct == "" {
			ct = "application/octet-stream"
		}
	case string:
		body = []byte(v)
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			body = []byte(err.Error())
			ct = "text/plain; charset=utf-8"
			status = 500
		} else {
			body = b
			if ct == "" {
				ct = "application/json"
			}
		}
	}

	for k, v := range r.Headers {
		r.writer.WriteHeader(k, v)
	}
	for _, c := range r.Cookies {
		r.writer.WriteCookie(c)
	}
	r.writer.WriteStatus(status)
	r.writer.WriteBody(ct, body)
	return false
}

// Done reports whether Send has already completed the response.
func (r *ResponseView) Done() bool { return r.done }

// G is the full script-visible surface built from Context (spec §3 "$g").
type G struct {
	App      AppView
	Log      Logger
	Request  *RequestView
	Response *ResponseView

	// Apps/AppNames are populated only for privileged apps (spec §4.F
	// step 6).
	Apps     []*registry.App
	AppNames []string
}

// Logger is the minimal logging surface $g.log exposes to scripts.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
