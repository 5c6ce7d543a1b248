// Package pathsafe provides filesystem-path sanitization for names that
// originate from the remote editor and are untrusted as path components.
package pathsafe

import "strings"

// illegalChars are the characters the Windows/Roblox Studio filesystem
// convention forbids in a path segment; azul replaces them rather than
// rejecting the instance outright.
const illegalChars = `<>:"|?*`

// SanitizeSegment replaces every character in illegalChars with "_".
// It does not touch path separators; callers must only pass a single
// path segment (a name), never a path with "/" already in it.
func SanitizeSegment(name string) string {
	if !strings.ContainsAny(name, illegalChars) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(illegalChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizePath sanitizes every segment of a path independently and
// returns the sanitized segments; it does not join them.
func SanitizePath(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = SanitizeSegment(s)
	}
	return out
}

// ShortGUID returns the first n hex characters of guid, used for the
// collision-disambiguation suffix ("__<first-8-hex-of-guid>"). If guid is
// shorter than n, the whole guid is returned.
func ShortGUID(guid string, n int) string {
	if len(guid) <= n {
		return guid
	}
	return guid[:n]
}
