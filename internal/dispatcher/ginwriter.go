package dispatcher

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"boxhost/internal/reqmiddleware"
)

// ginResponseWriter adapts *gin.Context to reqmiddleware.Writer so
// response.send (spec §4.E) can write through whichever HTTP framework
// the dispatcher uses without reqmiddleware depending on gin.
type ginResponseWriter struct {
	c      *gin.Context
	status int
}

func (w *ginResponseWriter) WriteStatus(status int) { w.status = status }

func (w *ginResponseWriter) WriteHeader(key, value string) { w.c.Header(key, value) }

func (w *ginResponseWriter) WriteCookie(cs reqmiddleware.CookieSpec) {
	w.c.SetCookie(cs.Name, cs.Value, cs.MaxAgeSeconds, cs.Path, cs.Domain, cs.Secure, cs.HTTPOnly)
}

func (w *ginResponseWriter) WriteBody(contentType string, body []byte) {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	w.c.Data(status, contentType, body)
}

var _ reqmiddleware.Writer = (*ginResponseWriter)(nil)
