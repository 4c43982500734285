package referral

import (
	"regexp"
	"strings"
)

const (
	minCodeLen = 6
	maxCodeLen = 20
)

// reservedRoutes are first-level app routes that are never referral codes.
var reservedRoutes = map[string]struct{}{
	"admin":       {},
	"profile":     {},
	"settings":    {},
	"blog":        {},
	"diagnostic":  {},
	"diagnostics": {},
	"login":       {},
	"signup":      {},
	"dashboard":   {},
	"account":     {},
	"about":       {},
	"privacy":     {},
	"terms":       {},
	"waitlist":    {},
	"api":         {},
}

// reservedPatterns catch asset requests and preview deployments.
var reservedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.[a-z0-9]+$`),
	regexp.MustCompile(`(?i)^(preview|test|demo)`),
}

// IsReserved reports whether segment names a route or pattern excluded from
// referral interpretation.
func IsReserved(segment string) bool {
	if _, ok := reservedRoutes[strings.ToLower(segment)]; ok {
		return true
	}
	for _, re := range reservedPatterns {
		if re.MatchString(segment) {
			return true
		}
	}
	return false
}

// ValidPathCode reports whether a single path segment qualifies as a
// referral code: 6 to 20 ASCII letters or digits and not reserved.
func ValidPathCode(segment string) bool {
	if len(segment) < minCodeLen || len(segment) > maxCodeLen {
		return false
	}
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			return false
		}
	}
	return !IsReserved(segment)
}

// pathCode returns the candidate code carried by a single-segment path.
func pathCode(path string) (string, bool) {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) != 1 {
		return "", false
	}
	if !ValidPathCode(segments[0]) {
		return "", false
	}
	return segments[0], true
}
