package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseOrigins parses and validates origin URLs. Trailing slashes are trimmed
// so path joins stay stable.
func ParseOrigins(raw []string) ([]*url.URL, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no origins provided")
	}

	origins := make([]*url.URL, 0, len(raw))
	for _, v := range raw {
		u, err := url.Parse(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", v, err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("origin %q must use http or https scheme", v)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("origin %q has no host", v)
		}

		u.Path = strings.TrimRight(u.Path, "/")
		origins = append(origins, u)
	}

	return origins, nil
}

// ParsePublicOrigin validates the scheme and host clients use to reach the gateway.
func ParsePublicOrigin(raw string) (*url.URL, error) {
	origins, err := ParseOrigins([]string{raw})
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: origins[0].Scheme, Host: origins[0].Host}, nil
}
