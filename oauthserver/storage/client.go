package storage

import (
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
)

// LoopbackMatcher is implemented by clients that apply RFC 8252 section 7.3
// loopback redirect matching, where the port may vary on each run of a
// native application.
type LoopbackMatcher interface {
	MatchRedirectURI(requestedURI string) bool
}

// LoopbackClient wraps a fosite.DefaultClient with loopback redirect-URI
// matching for native public clients. A redirect URI on http with host
// 127.0.0.1, [::1], or localhost matches a registered loopback URI on any
// port as long as scheme, host, path, and query agree.
type LoopbackClient struct {
	*fosite.DefaultClient
}

var (
	_ fosite.Client   = (*LoopbackClient)(nil)
	_ LoopbackMatcher = (*LoopbackClient)(nil)
)

// NewLoopbackClient wraps the given client.
func NewLoopbackClient(client *fosite.DefaultClient) *LoopbackClient {
	return &LoopbackClient{DefaultClient: client}
}

// MatchRedirectURI reports whether the requested URI matches one of the
// registered redirect URIs, applying loopback port flexibility.
func (c *LoopbackClient) MatchRedirectURI(requestedURI string) bool {
	for _, registered := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registered) {
			return true
		}
	}
	return false
}

func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}

	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	// Loopback matching applies only to plain http.
	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	// 127.0.0.1 and localhost are distinct hosts; only localhost compares
	// case-insensitively.
	if !strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path || requested.RawQuery != registered.RawQuery {
		return false
	}
	// Any port is acceptable per RFC 8252.
	return true
}

// IsLoopbackHost reports whether the hostname is a loopback address per
// RFC 8252 section 7.3: 127.0.0.1, ::1, or localhost.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
