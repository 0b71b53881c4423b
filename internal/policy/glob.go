package policy

import (
	"regexp"
	"strings"
	"sync"
)

// MatchPattern reports whether name matches pattern. Exact matches win
// immediately; "*" and "**" match everything; any other pattern is compiled
// to an anchored regexp where "**" crosses slashes, "*" does not, and "?"
// matches a single character.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if pattern == "*" || pattern == "**" {
		return true
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	re, ok := patternCache[pattern]
	patternMu.Unlock()
	if ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}
