// Package netutil provides shared HTTP/network normalization helpers used
// by the proxy routing table and the hub handlers.
package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// NormalizePath collapses duplicate slashes, ensures a leading slash, and
// terminates the path with exactly one trailing slash. The empty path maps
// to "/".
func NormalizePath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(p) + 2)
	b.WriteByte('/')
	prevSlash := true
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out
}

// ParentPath returns the next-shorter trailing-slash-terminated prefix of a
// normalized path, or "" when path is already the root. It is the step
// function for longest-prefix route matching.
func ParentPath(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
