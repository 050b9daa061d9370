// Package urlutil has small URL helpers shared by the stream proxy.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// RewriteScheme returns a copy of u with the given scheme.
func RewriteScheme(u *url.URL, scheme string) *url.URL {
	out := *u
	out.Scheme = scheme
	return &out
}

// FileStem returns the last path component with its extension removed.
// "/a/b/video-720.m3u8" -> "video-720".
func FileStem(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		return base[:idx]
	}
	return base
}

// HasExtension reports whether the last path component carries the given
// extension (compared case-insensitively, dot included).
func HasExtension(u *url.URL, ext string) bool {
	return strings.EqualFold(path.Ext(u.Path), ext)
}

// EncodeSpaces percent-encodes literal spaces in a raw URL so upstream
// servers that reject them still accept the request.
func EncodeSpaces(raw string) string {
	return strings.ReplaceAll(raw, " ", "%20")
}
