package domain

import "strings"

// NormalizeLocation canonicalises a site URL for online software so that
// "https://www.Example.com/" and "example.com" name the same installation.
func NormalizeLocation(location string) string {
	l := strings.ToLower(strings.TrimSpace(location))
	if i := strings.Index(l, "://"); i >= 0 {
		l = l[i+3:]
	}
	l = strings.TrimPrefix(l, "www.")
	return strings.TrimRight(l, "/")
}
