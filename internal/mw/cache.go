package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// ResponseCache keeps successful GET responses in memory, keyed by request
// URI. Writers that change cached data call Invalidate.
type ResponseCache struct {
	entries *cache.Cache
	ttl     time.Duration
}

type cachedResponse struct {
	path    string
	status  int
	headers http.Header
	body    []byte
}

// NewResponseCache creates a cache whose entries live for ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{entries: cache.New(ttl, 2*ttl), ttl: ttl}
}

// recorder copies the body while it is written to the client.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Handler serves hits and records misses. Requests sent with
// "Cache-Control: no-cache" bypass it.
func (rc *ResponseCache) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || c.GetHeader("Cache-Control") == "no-cache" {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if v, found := rc.entries.Get(key); found {
			hit := v.(cachedResponse)
			header := c.Writer.Header()
			for k, vals := range hit.headers {
				header[k] = vals
			}
			header.Set("X-Cache", "HIT")
			c.Data(hit.status, header.Get("Content-Type"), hit.body)
			c.Abort()
			return
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if status := rec.Status(); status >= 200 && status < 300 {
			rc.entries.Set(key, cachedResponse{
				path:    c.Request.URL.Path,
				status:  status,
				headers: rec.Header().Clone(),
				body:    bytes.Clone(rec.buf.Bytes()),
			}, rc.ttl)
		}
	}
}

// Invalidate drops every entry whose request path satisfies match and
// returns how many were dropped.
func (rc *ResponseCache) Invalidate(match func(path string) bool) int {
	dropped := 0
	for key, item := range rc.entries.Items() {
		if resp, ok := item.Object.(cachedResponse); ok && match(resp.path) {
			rc.entries.Delete(key)
			dropped++
		}
	}
	return dropped
}
