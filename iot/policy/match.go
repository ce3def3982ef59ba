package policy

import (
	"regexp"
	"strings"
)

// CompilePattern converts a topic pattern into an anchored regular
// expression. '+' matches exactly one topic segment, '#' and '*' match
// one or more segments. All other characters are taken literally.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, "/")
	parts := make([]string, len(segments))
	for i, segment := range segments {
		switch segment {
		case "+":
			parts[i] = "[^/]+"
		case "#", "*":
			parts[i] = ".+"
		default:
			parts[i] = regexp.QuoteMeta(segment)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, "/") + "$")
}

// MatchPattern reports whether topic matches the pattern. Patterns
// without wildcards degrade to exact string comparison. A pattern that
// does not compile matches nothing.
func MatchPattern(pattern, topic string) bool {
	if !strings.ContainsAny(pattern, "+#*") {
		return pattern == topic
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(topic)
}

// matchAny reports whether topic matches any of the patterns, checking
// exact entries before wildcard ones.
func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if p == topic {
			return true
		}
	}
	for _, p := range patterns {
		if strings.ContainsAny(p, "+#*") && MatchPattern(p, topic) {
			return true
		}
	}
	return false
}
