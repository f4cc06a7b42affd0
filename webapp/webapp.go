// Package webapp is the HTTP application served by every worker: static
// assets, the version endpoint and search suggestions, behind a page cache and
// gzip compression.
package webapp

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/gzhttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"goji.io"
	"goji.io/pat"

	"waves.computer/waves/version"
)

const (
	pageCacheSize        = 25000
	suggestionsCacheSize = 50000
	cacheTTL             = time.Hour
	suggestionsLimit     = 100
	suggestionsPeriod    = 5 * time.Minute
	upstreamTimeout      = 10 * time.Second
	maxUpstreamBody      = 1 << 20

	compressionLevel     = 6
	compressionThreshold = 1024

	immutableCache = "public, max-age=604800, immutable"
)

// adInjection matches the statement in serser.js that appends an external
// script before </body>.
var adInjection = regexp.MustCompile(`A=A\.replace\(\s*/<\\/body>/i,\s*'[^']*cdn\.usewaves\.site/main\.js[^']*'\s*\);\s*`)

// Options locate the application's files and upstreams.
type Options struct {
	VersionFile string
	StaticDir   string
	PublicDir   string
	SuggestURL  string

	// Bundles maps the id of /b?id= to a file. Nil means DefaultBundles.
	Bundles map[string]string
}

// DefaultBundles is the /b?id= file map under publicDir.
func DefaultBundles(publicDir string) map[string]string {
	return map[string]string{
		"1": filepath.Join(publicDir, "baremux", "index.js"),
		"2": filepath.Join(publicDir, "b", "s", "scramjet.all.js"),
		"3": filepath.Join(publicDir, "b", "u", "bunbun.js"),
		"4": filepath.Join(publicDir, "b", "u", "concon.js"),
	}
}

// App is an http.Handler serving the application routes.
type App struct {
	*goji.Mux

	opts        Options
	pages       *expirable.LRU[string, page]
	suggestions *expirable.LRU[string, []byte]
	limiter     *limiter.Limiter
	client      *http.Client
}

// New creates an App.
func New(opts Options) (*App, error) {
	if opts.Bundles == nil {
		opts.Bundles = DefaultBundles(opts.PublicDir)
	}
	gz, err := compressor()
	if err != nil {
		return nil, err
	}
	a := &App{
		Mux:         goji.NewMux(),
		opts:        opts,
		pages:       expirable.NewLRU[string, page](pageCacheSize, nil, cacheTTL),
		suggestions: expirable.NewLRU[string, []byte](suggestionsCacheSize, nil, cacheTTL),
		limiter:     newLimiter(limiter.Rate{Period: suggestionsPeriod, Limit: suggestionsLimit}),
		client:      &http.Client{Timeout: upstreamTimeout},
	}
	a.Use(gz)
	a.Use(securityHeaders)
	a.Use(wasmContentType)
	a.Use(cachePages(a.pages))

	assets := filepath.Join(opts.PublicDir, "assets")
	a.Handle(pat.Get("/api/version"), http.HandlerFunc(a.version))
	a.Handle(pat.Get("/api/suggestions"), rateLimited(a.limiter, http.HandlerFunc(a.suggest)))
	a.Handle(pat.Get("/assets/data/*"), withCacheControl("no-cache",
		filesOnly(http.StripPrefix("/assets/data", http.FileServer(http.Dir(filepath.Join(assets, "data")))))))
	a.Handle(pat.Get("/assets/*"), withCacheControl(immutableCache,
		filesOnly(http.StripPrefix("/assets", http.FileServer(http.Dir(assets))))))
	a.Handle(pat.Get("/b"), http.HandlerFunc(a.bundle))
	a.Handle(pat.Get("/b/u/serser.js"), http.HandlerFunc(a.serser))
	a.Handle(pat.Get("/b/*"),
		filesOnly(http.StripPrefix("/b", http.FileServer(http.Dir(filepath.Join(opts.PublicDir, "b"))))))
	a.Handle(pat.Get("/"), http.HandlerFunc(a.index))
	a.Handle(pat.New("/*"), http.HandlerFunc(a.static))
	return a, nil
}

// ClearCache drops the cached pages and suggestions.
func (a *App) ClearCache() {
	a.pages.Purge()
	a.suggestions.Purge()
}

type errorResponse struct {
	Error string `json:"error"`
}

type versionResponse struct {
	Version string `json:"version"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("webapp: writing response: %s", err)
	}
}

func (a *App) version(w http.ResponseWriter, r *http.Request) {
	v, err := version.Read(a.opts.VersionFile)
	switch {
	case errors.Is(err, version.ErrInvalid):
		writeJSON(w, http.StatusInternalServerError, errorResponse{"Invalid package.json file"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{"Unable to check version"})
	default:
		writeJSON(w, http.StatusOK, versionResponse{v})
	}
}

func (a *App) suggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{`Query parameter "q" is required`})
		return
	}
	if b, ok := a.suggestions.Get(q); ok {
		w.Header().Set("X-Cache", "HIT")
		writeRawJSON(w, b)
		return
	}
	b, err := a.fetchSuggestions(r, q)
	if err != nil {
		logrus.Errorf("Suggestion fetch failed: %s", err)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "[]")
		return
	}
	a.suggestions.Add(q, b)
	w.Header().Set("X-Cache", "MISS")
	writeRawJSON(w, b)
}

func writeRawJSON(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(b)
}

func (a *App) fetchSuggestions(r *http.Request, q string) ([]byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.opts.SuggestURL+url.QueryEscape(q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("upstream status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, errors.Wrap(err, "reading upstream body")
	}
	if !json.Valid(b) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	return b, nil
}

// bundle serves a file of the /b?id= map.
func (a *App) bundle(w http.ResponseWriter, r *http.Request) {
	name, ok := a.opts.Bundles[r.URL.Query().Get("id")]
	if !ok {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, "// not found")
		return
	}
	http.ServeFile(w, r, name)
}

// serser serves b/u/serser.js without its ad injection.
func (a *App) serser(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile(filepath.Join(a.opts.PublicDir, "b", "u", "serser.js"))
	if err != nil {
		logrus.Errorf("webapp: reading serser.js: %s", err)
		a.notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Write(adInjection.ReplaceAll(b, nil))
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(a.opts.StaticDir, "index.html"))
}

// static serves regular files from StaticDir and the 404 page for
// everything else.
func (a *App) static(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		name := filepath.Join(a.opts.StaticDir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if fi, err := os.Stat(name); err == nil && fi.Mode().IsRegular() {
			w.Header().Set("Cache-Control", immutableCache)
			http.ServeFile(w, r, name)
			return
		}
	}
	a.notFound(w, r)
}

func (a *App) notFound(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile(filepath.Join(a.opts.StaticDir, "404.html"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write(b)
}

func securityHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-DNS-Prefetch-Control", "off")
		hdr.Set("Referrer-Policy", "no-referrer")
		h.ServeHTTP(w, r)
	})
}

func wasmContentType(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".wasm") {
			w.Header().Set("Content-Type", "application/wasm")
		}
		h.ServeHTTP(w, r)
	})
}

// compressor gzips responses of at least compressionThreshold bytes unless
// the request carries X-No-Compression.
func compressor() (func(http.Handler) http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(
		gzhttp.CompressionLevel(compressionLevel),
		gzhttp.MinSize(compressionThreshold),
	)
	if err != nil {
		return nil, errors.Wrap(err, "webapp: compression")
	}
	return func(h http.Handler) http.Handler {
		gz := wrap(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-No-Compression") != "" {
				h.ServeHTTP(w, r)
				return
			}
			gz.ServeHTTP(w, r)
		})
	}, nil
}

func withCacheControl(value string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", value)
		h.ServeHTTP(w, r)
	})
}

// filesOnly refuses directory listings.
func filesOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
