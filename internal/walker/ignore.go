package walker

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Rules is one level of the ignore-rule chain: the patterns contributed by a
// single directory, linked to the rules of its parent. The chain ends with
// the global excludes, which therefore have the lowest precedence.
type Rules struct {
	parent   *Rules
	patterns []gitignore.Pattern
}

// NewRules builds the root of a chain from global exclude patterns.
func NewRules(excludes []string) *Rules {
	r := &Rules{}
	for _, p := range excludes {
		if p = strings.TrimSpace(p); p != "" && !strings.HasPrefix(p, "#") {
			r.patterns = append(r.patterns, gitignore.ParsePattern(p, nil))
		}
	}
	return r
}

// Child returns the rules for a directory at domain (path components
// relative to the walk root) whose ignore files contained lines. A directory
// without ignore files shares its parent's rules.
func (r *Rules) Child(domain []string, lines []string) *Rules {
	var patterns []gitignore.Pattern
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, domain))
	}
	if len(patterns) == 0 {
		return r
	}
	return &Rules{parent: r, patterns: patterns}
}

// Match resolves path against the chain. Closer directories win; within a
// directory the last matching line wins.
func (r *Rules) Match(path []string, isDir bool) gitignore.MatchResult {
	for level := r; level != nil; level = level.parent {
		for i := len(level.patterns) - 1; i >= 0; i-- {
			if res := level.patterns[i].Match(path, isDir); res != gitignore.NoMatch {
				return res
			}
		}
	}
	return gitignore.NoMatch
}

// readIgnoreFile returns the lines of an ignore file, or nil when absent.
func readIgnoreFile(dir, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
