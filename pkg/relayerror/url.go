package relayerror

import (
	"net/url"
	"strings"
)

// NormalizeURL lowercases a relay address, converts http/https schemes to
// ws/wss, assumes wss when no scheme is given, and strips trailing slashes.
// Unparseable input gives "".
func NormalizeURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return ""
	}
	if !(strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "ws://") ||
		strings.HasPrefix(u, "wss://")) {
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return ""
	}
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String()
}

// IsRelayURL reports whether s is a secure websocket relay address.
func IsRelayURL(s string) bool {
	p, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return p.Scheme == "wss" && p.Host != ""
}
