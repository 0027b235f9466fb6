package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnorePatterns skip editor and lock debris that never belongs in a
// checkpoint.
var DefaultIgnorePatterns = []string{"*.swp", "*~", ".#*", "*.pid", "*.sock"}

type ignoreRule struct {
	glob string
	// anchored rules match the slash path relative to the copied root,
	// others match any single path element.
	anchored bool
	// subtree rules ("raft/snapshots/") exclude everything below a match.
	subtree bool
}

// IgnoreMatcher excludes paths from data captures.
//
//	*.swp            any file or directory named like the glob, at any depth
//	raft/*.tmp       the path relative to the copied root
//	raft/snapshots/  that directory and everything below it
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses raw patterns. Blank lines, comments and patterns
// with bad glob syntax are dropped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		r := ignoreRule{subtree: strings.HasSuffix(raw, "/")}
		r.glob = strings.Trim(raw, "/")
		r.anchored = strings.Contains(r.glob, "/") || r.subtree
		if _, err := path.Match(r.glob, ""); err != nil || r.glob == "" {
			continue
		}
		m.rules = append(m.rules, r)
	}
	return m
}

// Len returns the number of usable rules.
func (m *IgnoreMatcher) Len() int { return len(m.rules) }

// Match reports whether rel, relative to the copied root, is excluded.
func (m *IgnoreMatcher) Match(rel string) bool {
	if len(m.rules) == 0 {
		return false
	}
	rel = filepath.ToSlash(rel)
	elems := strings.Split(rel, "/")

	for _, r := range m.rules {
		switch {
		case r.subtree:
			// Any leading run of elements may match the directory glob.
			for i := 1; i <= len(elems); i++ {
				if ok, _ := path.Match(r.glob, strings.Join(elems[:i], "/")); ok {
					return true
				}
			}
		case r.anchored:
			if ok, _ := path.Match(r.glob, rel); ok {
				return true
			}
		default:
			if ok, _ := path.Match(r.glob, elems[len(elems)-1]); ok {
				return true
			}
		}
	}
	return false
}

// ParseIgnoreFile reads one pattern per line. A missing file yields no
// patterns.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
