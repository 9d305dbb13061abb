package sync

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreMatcher decides which relative paths stay out of the sync. It is
// compiled once per run from the ignore file at the sync root and is a
// pure function afterwards.
//
// Pattern grammar is doublestar glob: `*` and `?` stop at path
// separators, `**` crosses them. Patterns match against the full
// slash-relative path. A leading `!` turns a line into an include rule;
// include rules override every exclude, regardless of order. `#` starts
// a comment.
type IgnoreMatcher struct {
	excludes []string
	includes []string
}

// NewIgnoreMatcher compiles rule lines. Invalid patterns are logged and
// dropped rather than failing the run; one bad line should not stop a
// sync that worked yesterday.
func NewIgnoreMatcher(lines []string, logger *slog.Logger) *IgnoreMatcher {
	if logger == nil {
		logger = slog.Default()
	}

	m := &IgnoreMatcher{}

	for i, raw := range lines {
		pattern, include := parseIgnoreLine(raw)
		if pattern == "" {
			continue
		}

		if !doublestar.ValidatePattern(pattern) {
			logger.Warn("skipping invalid ignore pattern",
				slog.Int("line", i+1),
				slog.String("pattern", pattern),
			)

			continue
		}

		if include {
			m.includes = append(m.includes, pattern)
		} else {
			m.excludes = append(m.excludes, pattern)
		}
	}

	return m
}

// LoadIgnoreFile reads and compiles the ignore file at path. A missing
// file yields an empty matcher; any other read error is returned.
func LoadIgnoreFile(path string, logger *slog.Logger) (*IgnoreMatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewIgnoreMatcher(nil, logger), nil
		}

		return nil, fmt.Errorf("reading ignore file %s: %w", path, err)
	}

	return NewIgnoreMatcher(strings.Split(string(data), "\n"), logger), nil
}

// parseIgnoreLine strips comments and whitespace and splits off the
// include marker. Returns an empty pattern for blank and comment lines.
func parseIgnoreLine(raw string) (pattern string, include bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}

	if strings.HasPrefix(line, "!") {
		include = true
		line = strings.TrimSpace(line[1:])
	}

	// A trailing slash names the directory itself.
	line = strings.TrimSuffix(line, "/")

	return line, include
}

// Matches reports whether path is excluded from the sync. Include rules
// win unconditionally; otherwise any matching exclude rule excludes the
// path. Scanners prune excluded directories, so children of an excluded
// directory are never even considered.
func (m *IgnoreMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}

	for _, p := range m.includes {
		if ok, _ := doublestar.Match(p, path); ok {
			return false
		}
	}

	for _, p := range m.excludes {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}

	return false
}

// RuleCount returns the number of compiled rules, for startup logging.
func (m *IgnoreMatcher) RuleCount() int {
	if m == nil {
		return 0
	}

	return len(m.excludes) + len(m.includes)
}

// matchAnyBase reports whether name matches any of the base-name
// patterns. Used for the configured skip lists, which apply to entry
// names rather than full paths.
func matchAnyBase(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}

	return false
}
