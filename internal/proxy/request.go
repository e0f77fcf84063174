package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Outbound describes the client request to forward. It is built once and
// reused for every attempt.
type Outbound struct {
	Method    string
	Path      string // upstream path, after any prefix stripping
	RawQuery  string
	Host      string // original Host, forwarded unchanged
	Header    http.Header
	Body      []byte
	ClientIP  string
	RequestID string
	Scheme    string
	Port      string
}

// NewOutbound captures r for forwarding. body is the already-buffered
// request body.
func NewOutbound(r *http.Request, body []byte, clientIP, requestID string) *Outbound {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &Outbound{
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Host:      r.Host,
		Header:    r.Header,
		Body:      body,
		ClientIP:  clientIP,
		RequestID: requestID,
		Scheme:    scheme,
		Port:      forwardedPort(r, scheme),
	}
}

func forwardedPort(r *http.Request, scheme string) string {
	if _, port, err := net.SplitHostPort(r.Host); err == nil && port != "" {
		return port
	}
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			return port
		}
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// build creates the upstream request for one attempt against target.
func (o *Outbound) build(ctx context.Context, target *url.URL) *http.Request {
	u := *target
	u.Path = singleJoiningSlash(target.Path, o.Path)
	u.RawPath = ""
	u.RawQuery = o.RawQuery

	req := (&http.Request{
		Method:     o.Method,
		URL:        &u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(o.Header)+6),
		Host:       o.Host,
	}).WithContext(ctx)

	for k, vv := range o.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(req.Header)

	if len(o.Body) > 0 {
		body := o.Body
		req.ContentLength = int64(len(body))
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		req.Body = http.NoBody
	}

	if o.ClientIP != "" {
		req.Header.Set("X-Real-IP", o.ClientIP)
		if prior := strings.Join(req.Header.Values("X-Forwarded-For"), ", "); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+o.ClientIP)
		} else {
			req.Header.Set("X-Forwarded-For", o.ClientIP)
		}
	}
	req.Header.Set("X-Forwarded-Proto", o.Scheme)
	req.Header.Set("X-Forwarded-Host", o.Host)
	req.Header.Set("X-Forwarded-Port", o.Port)
	if o.RequestID != "" {
		req.Header.Set("X-Request-ID", o.RequestID)
	}
	return req
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers, including any listed in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// CopyHeaders copies upstream response headers to dst without hop-by-hop
// headers.
func CopyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
