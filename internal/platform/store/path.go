package store

import (
	"fmt"
	"strings"
)

const reservedChars = ".#$[]"

// Clean trims surrounding slashes. The root is the empty string.
func Clean(p string) string {
	return strings.Trim(p, "/")
}

// Validate rejects paths with empty segments or reserved characters.
func Validate(p string) error {
	p = Clean(p)
	if p == "" {
		return nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if err := ValidateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSegment reports whether seg can be used as a single key: it must
// be non-empty and free of the separator and reserved characters.
func ValidateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidPath)
	}
	if strings.Contains(seg, "/") {
		return fmt.Errorf("%w: key %q contains the path separator", ErrInvalidPath, seg)
	}
	if strings.ContainsAny(seg, reservedChars) {
		return fmt.Errorf("%w: segment %q contains one of %q", ErrInvalidPath, seg, reservedChars)
	}
	return nil
}

// Join concatenates path elements, skipping empty ones.
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		if e = Clean(e); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// Split breaks a path into its segments. The root has none.
func Split(p string) []string {
	p = Clean(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Base returns the last segment.
func Base(p string) string {
	p = Clean(p)
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Parent returns p without its last segment.
func Parent(p string) string {
	p = Clean(p)
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// IsAncestor reports whether a is a strict ancestor of b.
func IsAncestor(a, b string) bool {
	a, b = Clean(a), Clean(b)
	if a == b {
		return false
	}
	return a == "" || strings.HasPrefix(b, a+"/")
}

// Overlaps reports whether a change at one path is visible from the other:
// they are equal or one contains the other.
func Overlaps(a, b string) bool {
	a, b = Clean(a), Clean(b)
	return a == b || IsAncestor(a, b) || IsAncestor(b, a)
}

// Ancestors lists the strict ancestors of p from the top, excluding the root.
func Ancestors(p string) []string {
	segs := Split(p)
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}
