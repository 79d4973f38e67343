// Package urlpattern implements the URL matching rules used by network
// intercepts. Two pattern flavours exist: a string pattern, which is a full
// URL compared component-wise after normalization, and a structured pattern,
// where an absent field is a wildcard except that an absent pathname admits
// only the root path and an absent search only an empty query.
package urlpattern

import (
	"fmt"
	"net/url"
	"strings"
)

// defaultPorts maps a scheme to the port implied when none is written.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// Pattern is a parsed URL pattern. Nil fields are wildcards, except that an
// absent pathname only admits the root path and an absent search only admits
// empty queries; non-nil fields must equal the corresponding, normalized
// component of the request URL.
type Pattern struct {
	protocol *string
	hostname *string
	port     *string
	pathname *string
	search   *string
}

func strptr(s string) *string { return &s }

// ParseString parses a string pattern. The pattern is a complete URL; every
// component it carries must be matched by the request URL, and a component
// the pattern lacks (port, query) must be absent from the URL too.
func ParseString(pattern string) (*Pattern, error) {
	u, err := url.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url pattern %q: missing scheme or host", pattern)
	}
	p := &Pattern{
		protocol: strptr(strings.ToLower(u.Scheme)),
		hostname: strptr(strings.ToLower(u.Hostname())),
		port:     strptr(normalizePort(strings.ToLower(u.Scheme), u.Port())),
		pathname: strptr(normalizePath(u.EscapedPath())),
		search:   strptr(u.RawQuery),
	}
	return p, nil
}

// ParseFields parses a structured pattern from its optional fields. A nil
// pointer marks a field absent on the wire; absent fields are left unset and
// matched as Pattern describes.
func ParseFields(protocol, hostname, port, pathname, search *string) (*Pattern, error) {
	p := &Pattern{}
	if protocol != nil {
		s := strings.ToLower(strings.TrimSuffix(*protocol, ":"))
		if s == "" {
			return nil, fmt.Errorf("invalid url pattern: empty protocol")
		}
		p.protocol = strptr(s)
	}
	if hostname != nil {
		h := strings.ToLower(*hostname)
		if h == "" {
			return nil, fmt.Errorf("invalid url pattern: empty hostname")
		}
		if strings.ContainsAny(h, "/:") {
			return nil, fmt.Errorf("invalid url pattern: hostname %q contains forbidden characters", h)
		}
		p.hostname = strptr(h)
	}
	if port != nil {
		p.port = strptr(*port)
	}
	if pathname != nil {
		p.pathname = strptr(normalizePath(*pathname))
	}
	if search != nil {
		p.search = strptr(strings.TrimPrefix(*search, "?"))
	}
	return p, nil
}

// Matches reports whether the request URL satisfies the pattern. Malformed
// request URLs match nothing.
func (p *Pattern) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)

	if p.protocol != nil && *p.protocol != scheme {
		return false
	}
	if p.hostname != nil && *p.hostname != strings.ToLower(u.Hostname()) {
		return false
	}
	if p.port != nil {
		if normalizePort(scheme, *p.port) != normalizePort(scheme, u.Port()) {
			return false
		}
	}
	// A pattern without a pathname admits only the root path, and one
	// without a search admits only empty queries.
	pathname := "/"
	if p.pathname != nil {
		pathname = *p.pathname
	}
	if pathname != normalizePath(u.EscapedPath()) {
		return false
	}
	search := ""
	if p.search != nil {
		search = *p.search
	}
	return search == u.RawQuery
}

// normalizePort folds the scheme's default port into the empty string so
// "https://a/" and "https://a:443/" compare equal.
func normalizePort(scheme, port string) string {
	if port != "" && defaultPorts[scheme] == port {
		return ""
	}
	return port
}

// normalizePath treats the empty path and "/" as the same serialized root.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
