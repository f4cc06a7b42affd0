package webapp

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxCachedPage bounds the body size kept in the page cache.
const maxCachedPage = 1 << 20

// cachedHeaders are copied into a page cache entry.
var cachedHeaders = []string{"Content-Type", "Cache-Control"}

type page struct {
	header http.Header
	body   []byte
}

// cachePages answers GET requests outside /api/ from the page cache and
// stores every 200 response it lets through. X-Cache tells which happened.
func cachePages(pages *expirable.LRU[string, page]) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || strings.HasPrefix(r.URL.Path, "/api/") {
				h.ServeHTTP(w, r)
				return
			}
			key := r.URL.RequestURI()
			if p, ok := pages.Get(key); ok {
				hdr := w.Header()
				for k, v := range p.header {
					hdr[k] = v
				}
				hdr.Set("X-Cache", "HIT")
				w.Write(p.body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			h.ServeHTTP(cw, r)
			if cw.status != http.StatusOK || cw.overflow {
				return
			}
			p := page{header: make(http.Header), body: cw.buf.Bytes()}
			for _, k := range cachedHeaders {
				if v := w.Header().Values(k); len(v) > 0 {
					p.header[k] = v
				}
			}
			pages.Add(key, p)
		})
	}
}

// captureWriter copies a 200 response body while writing it through.
type captureWriter struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	overflow bool
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
		if code == http.StatusOK {
			c.Header().Set("X-Cache", "MISS")
		}
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if c.status == http.StatusOK && !c.overflow {
		if c.buf.Len()+len(b) > maxCachedPage {
			c.overflow = true
			c.buf = bytes.Buffer{}
		} else {
			c.buf.Write(b)
		}
	}
	return c.ResponseWriter.Write(b)
}
