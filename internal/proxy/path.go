package proxy

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
)

// Whitelist accepts request paths under a fixed set of upstream resources.
type Whitelist struct {
	prefixes []string
}

// NewWhitelist normalizes prefixes to a leading slash without a trailing one.
func NewWhitelist(prefixes []string) Whitelist {
	var out []string
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = "/" + strings.Trim(p, "/")
		if p == "/" {
			continue
		}
		out = append(out, p)
	}
	return Whitelist{prefixes: out}
}

// Prefixes returns the normalized allow-list.
func (w Whitelist) Prefixes() []string {
	return append([]string(nil), w.prefixes...)
}

// Normalize returns the cleaned path or ErrForbiddenPath. Anything that could
// make the upstream resolve a different resource than the one checked here is
// refused rather than repaired: traversal segments, backslashes, NUL bytes,
// embedded schemes or hosts and leftover percent escapes.
func (w Whitelist) Normalize(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", domainoauth.ErrForbiddenPath)
	}
	if strings.ContainsAny(raw, "\\\x00") {
		return "", fmt.Errorf("%w: illegal character", domainoauth.ErrForbiddenPath)
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad escape", domainoauth.ErrForbiddenPath)
	}
	if strings.ContainsAny(decoded, "\\\x00%?#") {
		return "", fmt.Errorf("%w: illegal character", domainoauth.ErrForbiddenPath)
	}
	if strings.Contains(decoded, "://") || strings.HasPrefix(decoded, "//") {
		return "", fmt.Errorf("%w: absolute url", domainoauth.ErrForbiddenPath)
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("%w: traversal", domainoauth.ErrForbiddenPath)
		}
	}

	clean := path.Clean("/" + decoded)
	for _, prefix := range w.prefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domainoauth.ErrForbiddenPath, clean)
}

// firstSegment returns "/produtos" for "/produtos/123/estoque".
func firstSegment(clean string) string {
	rest := strings.TrimPrefix(clean, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return "/" + rest
}
