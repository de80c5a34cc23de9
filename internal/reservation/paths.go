// ABOUTME: Path normalization and overlap rules for advisory file reservations.
// ABOUTME: Used identically by the broker (authoritative) and clients (pre-flight).

package reservation

import (
	"strings"
)

// Normalize canonicalizes a reservation path. A trailing "/" or "\" marks a
// directory reservation and survives normalization as exactly one trailing
// "/". Backslashes become forward slashes and runs of "/" collapse. Empty
// input normalizes to "" (invalid); a directory input that reduces to
// nothing becomes the literal "/".
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	dir := strings.HasSuffix(s, "/") || strings.HasSuffix(s, `\`)
	s = strings.ReplaceAll(s, `\`, "/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.TrimSuffix(s, "/")
	if dir {
		if s == "" {
			return "/"
		}
		return s + "/"
	}
	return s
}

// Resolve normalizes raw, first anchoring relative inputs under cwd. The
// directory marker on the raw input is preserved through the join. Used on
// the client side where agents hand tools workspace-relative paths.
func Resolve(cwd, raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !isAbs(s) && cwd != "" {
		s = strings.TrimSuffix(cwd, "/") + "/" + s
	}
	return Normalize(s)
}

// isAbs reports whether the path is already anchored: a leading slash or
// backslash, or a Windows drive letter prefix.
func isAbs(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`) {
		return true
	}
	if len(s) >= 2 && s[1] == ':' {
		c := s[0]
		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}
	return false
}

// Overlap reports whether two normalized paths claim intersecting territory.
// A directory reservation (trailing "/") subsumes everything beneath it and
// the bare directory path itself.
func Overlap(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasSuffix(a, "/") && (strings.HasPrefix(b, a) || b == strings.TrimSuffix(a, "/")) {
		return true
	}
	if strings.HasSuffix(b, "/") && (strings.HasPrefix(a, b) || a == strings.TrimSuffix(b, "/")) {
		return true
	}
	return false
}

// dedupe drops repeated entries while preserving first-seen order.
func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
