// Package pattern implements the glob matching used by every include and
// exclude list in homesnap.
//
// Patterns follow shell glob syntax (`*`, `?`, `[...]`) where `*` may cross
// path separators, plus `**` segment wildcards:
//
//	**/name/**   a path segment (or run of segments) equal to name
//	**/suffix    the file name, or a path tail, matching suffix
//	prefix/**    a path segment (or run of segments) equal to prefix
//
// Any other placement of `**` is collapsed to `*` and matched as a plain glob.
package pattern

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

const doubleStar = "**"

var (
	// Compiled globs keyed by pattern. A nil entry marks an invalid pattern.
	plainCache   sync.Map
	segmentCache sync.Map
)

// Matcher matches paths against pattern lists. Its root is stripped from
// paths to build the relative form tried by plain globs.
type Matcher struct {
	root string
}

// NewMatcher returns a Matcher that relativizes paths against root.
func NewMatcher(root string) Matcher {
	if root == "" {
		return Matcher{}
	}
	return Matcher{root: strings.TrimSuffix(filepath.ToSlash(filepath.Clean(root)), "/")}
}

// Match reports whether p matches any of the patterns.
func Match(p string, patterns []string) bool {
	return Matcher{}.Match(p, patterns)
}

// Match reports whether p matches any of the patterns.
func (m Matcher) Match(p string, patterns []string) bool {
	if len(patterns) == 0 || p == "" {
		return false
	}

	p = filepath.ToSlash(p)
	base := path.Base(p)
	rel := m.relative(p)

	for _, pat := range patterns {
		if matchOne(p, rel, base, pat) {
			return true
		}
	}
	return false
}

// Validate reports whether pat can be compiled.
func Validate(pat string) error {
	if strings.TrimSpace(pat) == "" {
		return fmt.Errorf("empty pattern")
	}
	candidates := []string{collapse(pat)}
	switch {
	case strings.HasPrefix(pat, "**/") && strings.HasSuffix(pat, "/**") && len(pat) > 6:
		candidates = append(candidates, pat[3:len(pat)-3])
	case strings.HasPrefix(pat, "**/"):
		candidates = append(candidates, collapse(pat[3:]))
	case strings.HasSuffix(pat, "/**"):
		candidates = append(candidates, pat[:len(pat)-3])
	}
	for _, c := range candidates {
		if _, err := glob.Compile(c); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pat, err)
		}
	}
	return nil
}

// Fnmatch matches name against a single shell glob in which `*` may cross
// path separators.
func Fnmatch(name, pat string) bool {
	return plainMatch(pat, name)
}

func (m Matcher) relative(p string) string {
	rel := p
	if m.root != "" && strings.HasPrefix(p, m.root+"/") {
		rel = p[len(m.root)+1:]
	}
	rel = strings.TrimPrefix(rel, "./")
	return strings.TrimPrefix(rel, "/")
}

func matchOne(p, rel, base, pat string) bool {
	if pat == doubleStar || pat == "**/**" {
		return true
	}

	if !strings.Contains(pat, doubleStar) {
		return plainMatch(pat, p) || (rel != p && plainMatch(pat, rel)) || plainMatch(pat, base)
	}

	switch {
	case strings.HasPrefix(pat, "**/") && strings.HasSuffix(pat, "/**") && len(pat) > 6:
		return matchSegments(p, pat[3:len(pat)-3])
	case strings.HasPrefix(pat, "**/"):
		return matchSuffix(p, base, pat[3:])
	case strings.HasSuffix(pat, "/**"):
		return matchSegments(p, pat[:len(pat)-3])
	default:
		g := collapse(pat)
		return plainMatch(g, p) || (rel != p && plainMatch(g, rel))
	}
}

// matchSegments reports whether seg occurs as a whole run of path segments.
func matchSegments(p, seg string) bool {
	if !hasMeta(seg) {
		return strings.Contains("/"+strings.Trim(p, "/")+"/", "/"+seg+"/")
	}

	g := compileSegment(seg)
	if g == nil {
		return false
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	width := strings.Count(seg, "/") + 1
	for i := 0; i+width <= len(parts); i++ {
		if g.Match(strings.Join(parts[i:i+width], "/")) {
			return true
		}
	}
	return false
}

func matchSuffix(p, base, suffix string) bool {
	if strings.Contains(suffix, doubleStar) {
		suffix = collapse(suffix)
	}

	if plainMatch(suffix, base) || plainMatch(suffix, strings.TrimPrefix(p, "/")) || strings.HasSuffix(p, "/"+suffix) {
		return true
	}

	if !strings.Contains(suffix, "/") {
		return false
	}
	for i := 0; i < len(p)-1; i++ {
		if p[i] == '/' && plainMatch(suffix, p[i+1:]) {
			return true
		}
	}
	return false
}

func plainMatch(pat, s string) bool {
	g := compilePlain(pat)
	return g != nil && g.Match(s)
}

func compilePlain(pat string) glob.Glob {
	return compileCached(&plainCache, pat)
}

func compileSegment(pat string) glob.Glob {
	return compileCached(&segmentCache, pat, '/')
}

func compileCached(cache *sync.Map, pat string, separators ...rune) glob.Glob {
	if v, ok := cache.Load(pat); ok {
		g, _ := v.(glob.Glob)
		return g
	}

	g, err := glob.Compile(pat, separators...)
	if err != nil {
		cache.Store(pat, nil)
		return nil
	}
	cache.Store(pat, g)
	return g
}

// collapse rewrites `**` wildcards into single-star globs.
func collapse(pat string) string {
	pat = strings.ReplaceAll(pat, "**/", "*/")
	return strings.ReplaceAll(pat, doubleStar, "*")
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[{\`)
}
