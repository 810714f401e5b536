package cache

import (
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// RequestKey returns the identity under which a request is stored: the method
// followed by the absolute URL without its fragment.
func RequestKey(method string, u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + clone.String()
}

// VaryNames returns the canonical header names listed by a response Vary header.
func VaryNames(resp http.Header) []string {
	var names []string
	for _, line := range resp.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == "*" {
				return []string{"*"}
			}
			names = append(names, textproto.CanonicalMIMEHeaderKey(name))
		}
	}
	sort.Strings(names)
	return names
}

// VarySnapshot captures the request header values a response varies on. It
// returns false when the response varies on "*" and can never be matched.
func VarySnapshot(req, resp http.Header) (map[string]string, bool) {
	names := VaryNames(resp)
	if len(names) == 0 {
		return nil, true
	}
	if names[0] == "*" {
		return nil, false
	}

	snapshot := make(map[string]string, len(names))
	for _, name := range names {
		snapshot[name] = headerValue(req, name)
	}
	return snapshot, true
}

// MatchesVary reports whether the request headers agree with the stored Vary
// snapshot. An entry stored without content coding for a request that sent no
// Accept-Encoding is acceptable to every client.
func (e Entry) MatchesVary(req http.Header) bool {
	for name, want := range e.Vary {
		if name == "Accept-Encoding" && want == "" && e.identityCoded() {
			continue
		}
		if headerValue(req, name) != want {
			return false
		}
	}
	return true
}

func headerValue(h http.Header, name string) string {
	return strings.Join(h.Values(name), ", ")
}

func (e Entry) identityCoded() bool {
	coding := strings.TrimSpace(e.Header.Get("Content-Encoding"))
	return coding == "" || strings.EqualFold(coding, "identity")
}
