package bridge

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginHeader is set by trusted local tooling (the console, tests) that
// cannot send a browser Origin.
const OriginHeader = "X-Apollo-Origin"

// NormalizeOrigin reduces a URL or origin to scheme://host[:port]. Default
// ports are dropped. file URLs collapse to "file://".
func NormalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		return "file://", true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, true
}

// requestOrigin derives the security origin of r from the transport. The
// envelope's own origin field never takes part.
func requestOrigin(r *http.Request) (string, bool) {
	if o, ok := NormalizeOrigin(r.Header.Get("Origin")); ok {
		return o, true
	}
	// browsers send Origin: null for file pages
	if r.Header.Get("Origin") == "null" {
		if ref := r.Header.Get("Referer"); strings.HasPrefix(strings.ToLower(ref), "file:") {
			return "file://", true
		}
	}
	if o, ok := NormalizeOrigin(r.Header.Get("Referer")); ok {
		return o, true
	}
	return NormalizeOrigin(r.Header.Get(OriginHeader))
}
