package bridge

import (
	"net/url"
	"strings"
)

// OriginPolicy decides which window messages a content script will act on.
type OriginPolicy struct {
	dashboardHosts  map[string]struct{}
	extensionOrigin string
}

// NewOriginPolicy builds a policy from exact dashboard hostnames and the
// extension's own origin (e.g. chrome-extension://<id>).
func NewOriginPolicy(dashboardHosts []string, extensionOrigin string) OriginPolicy {
	hosts := make(map[string]struct{}, len(dashboardHosts))
	for _, h := range dashboardHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return OriginPolicy{dashboardHosts: hosts, extensionOrigin: strings.TrimSpace(extensionOrigin)}
}

// IsDashboardHost reports whether hostname is on the dashboard allow-list.
func (p OriginPolicy) IsDashboardHost(hostname string) bool {
	_, ok := p.dashboardHosts[strings.ToLower(hostname)]
	return ok
}

// IsDashboardPage reports whether pageURL is served from a dashboard host.
func (p OriginPolicy) IsDashboardPage(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	return p.IsDashboardHost(u.Hostname())
}

// Allows reports whether a window message from eventOrigin, received by a
// page at pageURL, may be acted on: either the page's own origin on a
// dashboard host, or the extension origin.
func (p OriginPolicy) Allows(eventOrigin, pageURL string) bool {
	if eventOrigin == "" {
		return false
	}
	if p.extensionOrigin != "" && eventOrigin == p.extensionOrigin {
		return true
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return false
	}
	return eventOrigin == OriginOf(u) && p.IsDashboardHost(u.Hostname())
}

// OriginOf returns scheme://host[:port] for u.
func OriginOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
