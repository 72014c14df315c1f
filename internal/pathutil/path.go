// Package pathutil canonicalises file paths reported by the Lua runtime and
// by the debug adapter so that the two sides can compare them for equality.
package pathutil

import (
	"regexp"
	"runtime"
	"strings"
	"sync"
)

// Separator is the path separator used for canonicalised output. It follows
// the host platform rather than forcing forward slashes, matching the
// convention the Lua runtime itself uses for chunk names on each platform.
var Separator = "/"

func init() {
	if runtime.GOOS == "windows" {
		Separator = "\\"
	}
}

var driveRe = regexp.MustCompile(`^[A-Za-z]:`)

// Path is a canonicalised absolute or rooted path.
type Path struct {
	// Root is the drive letter plus colon ("C:") or the empty string for a
	// POSIX-rooted or relative path; String renders both with a leading
	// Separator, so "a/b" and "/a/b" format to equal Paths.
	Root string
	// Components is the normalised path joined by Separator, without a
	// leading or trailing separator.
	Components string
}

// String renders the canonical form: Root + Separator + Components.
func (p Path) String() string {
	if p.Components == "" {
		if p.Root == "" {
			return Separator
		}
		return p.Root + Separator
	}
	return p.Root + Separator + p.Components
}

// Equal reports byte equality after canonicalisation.
func (p Path) Equal(other Path) bool {
	return p.Root == other.Root && p.Components == other.Components
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]Path)
)

// Format canonicalises raw into a Path, caching the result for raw. The
// cache is never evicted: invariants assume a stable filesystem layout for
// the lifetime of the debug session (spec §3).
func Format(raw string) Path {
	cacheMu.RLock()
	if p, ok := cache[raw]; ok {
		cacheMu.RUnlock()
		return p
	}
	cacheMu.RUnlock()

	p := format(raw)

	cacheMu.Lock()
	cache[raw] = p
	cacheMu.Unlock()

	return p
}

func format(raw string) Path {
	s := raw
	if len(s) > 0 && (s[0] == '@' || s[0] == '=') {
		s = s[1:]
	}

	var root string
	rest := s

	if m := driveRe.FindString(s); m != "" {
		root = strings.ToUpper(m)
		rest = s[len(m):]
	} else if len(s) > 0 && isSep(s[0]) {
		root = ""
		for len(rest) > 0 && isSep(rest[0]) {
			rest = rest[1:]
		}
	}

	var out []string
	for _, tok := range splitOnSeparators(rest) {
		switch tok {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if root == "" {
				// Never pop past a leading ".." on a relative path.
				out = append(out, "..")
			}
			// On a drive path, ".." above the root is a no-op. A
			// POSIX-rooted path also has an empty root, so it keeps a
			// leading ".." just like a relative path does.
		default:
			out = append(out, tok)
		}
	}

	return Path{Root: root, Components: strings.Join(out, Separator)}
}

func isSep(b byte) bool {
	return b == '/' || b == '\\'
}

func splitOnSeparators(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

// IsAbsolute reports whether raw denotes an absolute or drive-rooted path
// without needing to resolve it against a working directory.
func IsAbsolute(raw string) bool {
	s := raw
	if len(s) > 0 && (s[0] == '@' || s[0] == '=') {
		s = s[1:]
	}
	if driveRe.MatchString(s) {
		return true
	}
	return len(s) > 0 && isSep(s[0])
}

// GetAbsolute canonicalises raw without resolving it against a working
// directory: this package never touches the filesystem. A relative input
// keeps its components and, like any Path with an empty Root, renders with a
// leading Separator, matching the host-language convention that chunk names
// are already resolved by the time they reach the debugger.
func GetAbsolute(raw string) Path {
	return Format(raw)
}

// Dirname returns the parent of p. The root of a path is its own parent.
func Dirname(p Path) Path {
	if p.Components == "" {
		return p
	}
	idx := strings.LastIndex(p.Components, Separator)
	if idx < 0 {
		return Path{Root: p.Root, Components: ""}
	}
	return Path{Root: p.Root, Components: p.Components[:idx]}
}
