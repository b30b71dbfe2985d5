package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// compileGlob converts a path glob into an anchored matcher. `*` matches
// within one path segment, `**` matches any depth. A glob like `a/**/b`
// also matches `a/b`, and a trailing `**` covers the directory itself.
func compileGlob(glob string) (*regexp.Regexp, error) {
	if glob == "" {
		return nil, fmt.Errorf("empty glob")
	}

	segs := strings.Split(glob, "/")
	var b strings.Builder
	b.WriteString("^")
	needSep := false
	for i, seg := range segs {
		if seg == "**" {
			if i == len(segs)-1 {
				if needSep {
					b.WriteString("(?:/.*)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				if needSep {
					b.WriteString("/")
					needSep = false
				}
				b.WriteString("(?:[^/]+/)*")
			}
			continue
		}
		if needSep {
			b.WriteString("/")
		}
		writeSegment(&b, seg)
		needSep = true
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}

// writeSegment appends the regexp for a single glob segment: `*` spans the
// segment, `?` one character, everything else is literal.
func writeSegment(b *strings.Builder, seg string) {
	for _, r := range seg {
		switch r {
		case '*':
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
}
