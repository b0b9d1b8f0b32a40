package reqmiddleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
)

// Handler is a user-supplied handler over the $g surface (spec §4.E).
type Handler func(ctx context.Context, g *G) error

// stdLogger adapts a *log.Logger to the Logger interface $g.log exposes.
type stdLogger struct{ l *log.Logger }

func (s stdLogger) Debugf(format string, a ...any) { s.l.Printf("[debug] "+format, a...) }
func (s stdLogger) Infof(format string, a ...any)  { s.l.Printf("[info] "+format, a...) }
func (s stdLogger) Warnf(format string, a ...any)  { s.l.Printf("[warn] "+format, a...) }
func (s stdLogger) Errorf(format string, a ...any) { s.l.Printf("[error] "+format, a...) }

// NewLogger wraps a *log.Logger as a $g.log implementation.
func NewLogger(l *log.Logger) Logger { return stdLogger{l: l} }

// ParseMaxBodySize parses a size literal like "25mb"/"1gb" (spec §6).
func ParseMaxBodySize(literal string) (int64, error) {
	if literal == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(literal)
	if err != nil {
		return 0, fmt.Errorf("reqmiddleware: invalid max_body_size %q: %w", literal, err)
	}
	return int64(n), nil
}

// RawRequest is the subset of an inbound HTTP request the middleware
// needs, independent of which web framework routed it (the dispatcher's
// gin adapter builds this from *gin.Context).
type RawRequest struct {
	Method      string
	Path        string
	URL         string
	Header      http.Header
	Query       url.Values
	ContentType string
	ContentLen  int64
	Body        io.Reader
}

// Entry implements the full pipeline of spec §4.E: it is the "handler
// entry" function wrapping a user handler.
func Entry(ctx context.Context, req RawRequest, resp *ResponseView, app AppView, logger Logger, bodySizeCap int64, routeParams map[string]string, defaultIncludes []Handler, main Handler) {
	if resp.Done() {
		return
	}

	g := &G{
		App:      app,
		Log:      logger,
		Response: resp,
		Request:  buildRequestView(req, routeParams),
	}

	parseBody(g.Request, req, bodySizeCap, logger)

	for _, include := range defaultIncludes {
		if resp.Done() {
			return
		}
		if err := include(ctx, g); err != nil {
			logger.Errorf("default_include failed: %v", err)
			if !resp.Done() {
				resp.Send(fmt.Sprintf("INTERNAL_SERVER_ERROR - %v", err), 500, "text/plain; charset=utf-8")
			}
			return
		}
	}
	if resp.Done() {
		return
	}

	if err := main(ctx, g); err != nil {
		logger.Errorf("handler failed: %v", err)
		if !resp.Done() {
			resp.Send(fmt.Sprintf("INTERNAL_SERVER_ERROR - %v", err), 500, "text/plain; charset=utf-8")
		}
	}
}

func buildRequestView(req RawRequest, params map[string]string) *RequestView {
	cookies := map[string]string{}
	for _, c := range strings.Split(req.Header.Get("Cookie"), ";") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if k, v, ok := strings.Cut(c, "="); ok {
			cookies[k] = v
		}
	}
	return &RequestView{
		Method:  req.Method,
		Path:    req.Path,
		URL:     req.URL,
		Headers: map[string][]string(req.Header),
		Cookies: cookies,
		Query:   map[string][]string(req.Query),
		Params:  params,
	}
}

// parseBody implements spec §4.E steps 3-5.
func parseBody(rv *RequestView, req RawRequest, cap int64, logger Logger) {
	if req.Method == http.MethodGet || req.ContentType == "" || req.ContentLen == 0 {
		rv.Body = nil
		return
	}

	data, exceeded := readCapped(req.Body, cap)
	if exceeded {
		rv.Body = &BodyError{Error: "Payload size exceeded"}
		logger.Warnf("request body exceeded cap of %d bytes", cap)
		return
	}

	mediaType, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		mediaType = req.ContentType
	}

	switch {
	case mediaType == "application/json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			rv.Body = string(data)
			logger.Warnf("failed to parse JSON body: %v", err)
			return
		}
		rv.Body = v

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			rv.Body = string(data)
			logger.Warnf("failed to parse form body: %v", err)
			return
		}
		m := map[string]any{}
		for k, v := range values {
			if len(v) == 1 {
				m[k] = v[0]
			} else {
				m[k] = v
			}
		}
		rv.Body = m

	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			rv.Body = string(data)
			logger.Warnf("multipart body missing boundary")
			return
		}
		fields, files, err := parseMultipart(data, boundary, cap)
		if err != nil {
			rv.Body = string(data)
			logger.Warnf("failed to parse multipart body: %v", err)
			return
		}
		rv.Body = fields
		rv.Files = files

	default:
		rv.Body = string(data)
	}
}

// readCapped drains r fully (spec §5: the connection is always fully
// drained even when the cap is exceeded) but stops accumulating once
// cap bytes have been read.
func readCapped(r io.Reader, cap int64) (data []byte, exceeded bool) {
	if r == nil {
		return nil, false
	}
	if cap <= 0 {
		b, _ := io.ReadAll(r)
		return b, false
	}
	limited := io.LimitReader(r, cap+1)
	buf, _ := io.ReadAll(limited)
	if int64(len(buf)) > cap {
		// drain whatever remains on the real stream so the client isn't
		// left with an unread body.
		_, _ = io.Copy(io.Discard, r)
		return nil, true
	}
	return buf, false
}

func parseMultipart(data []byte, boundary string, cap int64) (map[string]any, map[string]UploadedFile, error) {
	mr := multipart.NewReader(strings.NewReader(string(data)), boundary)
	fields := map[string]any{}
	files := map[string]UploadedFile{}
	var total int64

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		name := part.FormName()
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, err
		}
		total += int64(len(content))
		if cap > 0 && total > cap {
			return nil, nil, fmt.Errorf("multipart total size exceeded cap")
		}
		if fn := part.FileName(); fn != "" {
			files[name] = UploadedFile{
				Name: fn,
				Type: part.Header.Get("Content-Type"),
				Size: len(content),
				Data: content,
			}
			continue
		}
		fields[name] = string(content)
	}
	return fields, files, nil
}
