package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var fetchTimeout = 30 * time.Second

const (
	headerCache       = "X-Cache"
	headerCacheHit    = "HIT"
	headerCacheRemote = "REMOTE"
	headerContentType = "Content-Type"
)

// rootDocumentKey addresses the precached site root, the last-resort
// fallback for every policy.
const rootDocumentKey = "GET /"

type requestClass int

const (
	classImage requestClass = iota
	classStatic
	classPage
	classOther
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".svg":  true,
	".ico":  true,
}

var staticExtensions = map[string]bool{
	".css":   true,
	".js":    true,
	".woff":  true,
	".woff2": true,
	".ttf":   true,
}

// classify picks the caching class for a request. Extension checks win over
// the navigation check, first match in this order decides.
func classify(r *http.Request) requestClass {
	ext := strings.ToLower(filepath.Ext(r.URL.Path))
	switch {
	case imageExtensions[ext]:
		return classImage
	case staticExtensions[ext]:
		return classStatic
	case isNavigation(r):
		return classPage
	default:
		return classOther
	}
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// entryKey is the full request identity. Only GETs ever reach a partition.
func entryKey(r *http.Request) string {
	return r.Method + " " + r.URL.RequestURI()
}

// sameOrigin reports whether the request targets the proxied site. Requests
// in origin-form carry no host and are same-origin by construction;
// absolute-form requests count only when they name the upstream host.
func (proxy *Proxy) sameOrigin(r *http.Request) bool {
	return r.URL.Host == "" || r.URL.Host == proxy.upstream.Host
}

// serveFetch is the interception surface: every request not handled by a
// dedicated route lands here and gets classified, cached or passed through.
func (proxy *Proxy) serveFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !proxy.sameOrigin(r) {
		metricPassthrough.Add(1)
		proxy.passThrough(w, r)
		return
	}

	switch classify(r) {
	case classImage:
		proxy.cacheFirst(w, r, proxy.imagesPartition(), proxy.config.ImageMax)
	case classStatic:
		proxy.cacheFirst(w, r, proxy.staticPartition(), 0)
	case classPage:
		proxy.networkFirst(w, r)
	default:
		proxy.staleWhileRevalidate(w, r)
	}
}

func (proxy *Proxy) upstreamURLFor(ref *url.URL) string {
	u := *proxy.upstream
	u.Path = ref.Path
	u.RawQuery = ref.RawQuery
	return u.String()
}

func (proxy *Proxy) fetchUpstream(ctx context.Context, r *http.Request) (*entry, error) {
	return proxy.fetch(ctx, proxy.upstreamURLFor(r.URL))
}

// fetch captures a full upstream response. A transport failure is an error,
// an unhappy status code is not.
func (proxy *Proxy) fetch(ctx context.Context, url string) (*entry, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating request for %q", url)
	}

	res, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching %q", url)
	}
	defer res.Body.Close()

	return entryFromResponse(res)
}

func entryFromResponse(res *http.Response) (*entry, error) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "reading response body")
	}

	return &entry{
		Status: res.StatusCode,
		Header: copyHeader(res.Header),
		Body:   body,
	}, nil
}

// passThrough forwards cross-origin and non-GET requests untouched. Nothing
// on this path is ever cached or served from a partition.
func (proxy *Proxy) passThrough(w http.ResponseWriter, r *http.Request) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		target = proxy.upstreamURLFor(r.URL)
	}

	request, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if badRequest(w, errors.WithMessagef(err, "forwarding to %q", target)) {
		return
	}
	request.Header = copyHeader(r.Header)

	res, err := http.DefaultClient.Do(request)
	if err != nil {
		answer(w, http.StatusBadGateway, mimeText, err.Error()+"\n")
		return
	}
	defer res.Body.Close()

	writeHeader(w, res.Header)
	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, res.Body)
}

func writeEntry(w http.ResponseWriter, e *entry, cacheStatus string) {
	writeHeader(w, e.Header)
	w.Header().Set(headerCache, cacheStatus)
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

func writeHeader(w http.ResponseWriter, header http.Header) {
	for name, values := range header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(header http.Header) http.Header {
	out := http.Header{}
	for name, values := range header {
		out[name] = append([]string(nil), values...)
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
