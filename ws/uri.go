package ws

import (
	"errors"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// URI is the minimal parsed form of a ws:// or wss:// URI needed to dial a
// connection: scheme, IDN-encoded host[:port], and path. Parsing beyond
// this is explicitly out of scope (spec.md §1).
type URI struct {
	Secure bool
	Host   string // host[:port], IDN-encoded
	Path   string
}

var errBadScheme = errors.New("websocket: scheme must be ws or wss")

// ParseURI parses raw into a URI, rejecting any scheme other than ws/wss
// and IDN-encoding the host component.
func ParseURI(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newErr(KindHandshakeFailed, err)
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "ws":
		secure = false
	case "wss":
		secure = true
	default:
		return nil, newErr(KindHandshakeFailed, errBadScheme)
	}

	host := u.Hostname()
	encodedHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Hosts that are already ASCII (the overwhelmingly common case,
		// including plain IP literals) may fail strict IDNA lookup
		// validation without actually needing encoding; fall back to the
		// original host rather than rejecting a perfectly dialable URI.
		encodedHost = host
	}

	port := u.Port()
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return &URI{
		Secure: secure,
		Host:   encodedHost + ":" + port,
		Path:   path,
	}, nil
}
