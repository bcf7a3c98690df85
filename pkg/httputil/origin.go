package httputil

import (
	"fmt"
	"net/url"
	"strings"
)

// Origin represents the service root the engine is bound to. Every
// externally supplied or server-supplied URL is checked against it before a
// request is issued.
type Origin struct {
	base *url.URL
}

// ParseOrigin parses the service root URL. The root may carry a path prefix
// (e.g. "https://api.example.com/v1"); relative URLs resolve against it by
// standard reference resolution, so a rooted path like "/users" replaces the
// prefix rather than nesting beneath it. Origin checks only ever compare
// scheme and host.
func ParseOrigin(root string) (*Origin, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("parse service root: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("service root must be an absolute URL, got %q", root)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return &Origin{base: u}, nil
}

// String returns scheme://host of the origin.
func (o *Origin) String() string {
	return o.base.Scheme + "://" + o.base.Host
}

// Base returns the full service root URL string.
func (o *Origin) Base() string {
	return o.base.String()
}

// SameOrigin reports whether the given URL belongs to this origin.
// Relative URLs always do; absolute URLs must match scheme and host.
func (o *Origin) SameOrigin(raw string) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		return true, nil
	}
	return strings.EqualFold(u.Scheme, o.base.Scheme) && strings.EqualFold(u.Host, o.base.Host), nil
}

// Resolve turns a possibly-relative URL into an absolute one rooted at the
// service root. Absolute inputs are returned unchanged.
func (o *Origin) Resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	return o.base.ResolveReference(u).String(), nil
}

// Relative converts a same-origin URL to its path?query form as expected by
// the batch payload. Relative inputs are normalized to a leading slash.
func (o *Origin) Relative(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	rel := u.EscapedPath()
	if u.IsAbs() {
		ok, _ := o.SameOrigin(raw)
		if !ok {
			return "", fmt.Errorf("url %q is not on origin %s", raw, o.String())
		}
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel, nil
}
