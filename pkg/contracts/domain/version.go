package domain

import (
	"cmp"
	"strings"
	"unicode"
)

// suffix ranks; numeric segments rank as rankNumber.
const (
	rankUnknown = iota
	rankDev
	rankAlpha
	rankBeta
	rankRC
	rankNumber
	rankPatch
)

// CompareVersions compares two plugin-style version strings and returns -1, 0 or 1.
//
// Versions are split into dotted segments; a change between digits and letters also
// starts a new segment, and '-', '_' and '+' act as separators. Numeric segments
// compare numerically and missing trailing segments count as zero, so "1.0" equals
// "1.0.0". Digit runs of any length compare exactly. Word segments order dev < alpha (a) < beta (b) < RC < release < pl (p),
// which makes "2.0-beta2" older than "2.0" and "2.0pl1" newer.
func CompareVersions(a, b string) int {
	as, bs := splitVersion(a), splitVersion(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var c int
		switch {
		case i >= len(as):
			c = -compareToRelease(bs[i])
		case i >= len(bs):
			c = compareToRelease(as[i])
		default:
			c = compareSegments(as[i], bs[i])
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// VersionNewer reports whether candidate is strictly newer than installed.
func VersionNewer(candidate, installed string) bool {
	return CompareVersions(candidate, installed) > 0
}

func splitVersion(v string) []string {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V"))
	var (
		parts []string
		cur   strings.Builder
		prev  rune
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range v {
		switch {
		case r == '.' || r == '-' || r == '_' || r == '+':
			flush()
			prev = 0
			continue
		case prev != 0 && unicode.IsDigit(r) != unicode.IsDigit(prev):
			flush()
		}
		cur.WriteRune(r)
		prev = r
	}
	flush()
	return parts
}

func segmentRank(s string) int {
	if isDigits(s) {
		return rankNumber
	}
	switch strings.ToLower(s) {
	case "dev":
		return rankDev
	case "alpha", "a":
		return rankAlpha
	case "beta", "b":
		return rankBeta
	case "rc":
		return rankRC
	case "pl", "p":
		return rankPatch
	}
	return rankUnknown
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func compareSegments(a, b string) int {
	ra, rb := segmentRank(a), segmentRank(b)
	if ra == rankNumber && rb == rankNumber {
		return compareDigits(a, b)
	}
	return cmp.Compare(ra, rb)
}

// compareDigits compares two unsigned decimal strings without parsing them,
// so segments wider than any integer type still order numerically.
func compareDigits(a, b string) int {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// compareToRelease compares an extra trailing segment against its absence.
func compareToRelease(s string) int {
	r := segmentRank(s)
	if r == rankNumber {
		return compareDigits(s, "0")
	}
	return cmp.Compare(r, rankNumber)
}
