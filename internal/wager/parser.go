// Package wager turns freeform result text into labelled wager groups and
// normalizes each group into a scoreable item.
package wager

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/width"

	"github.com/servision-wang/data-processing/internal/model"
)

// defaultPatternCacheSize bounds the number of compiled fragment patterns
// kept in memory; one pattern exists per distinct special-char set.
const defaultPatternCacheSize = 256

// Parser splits raw text into wager groups. It holds no per-user state; the
// only thing it keeps between calls is the compiled pattern for each
// special-char set it has seen.
type Parser struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewParser creates a parser with a bounded pattern cache.
func NewParser() *Parser {
	cache, err := lru.New[string, *regexp.Regexp](defaultPatternCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Parser{patterns: cache}
}

// Parse scans text line by line and returns the wager groups in scan order.
//
// A line containing ':' or '：' is split at the first colon; a non-empty
// label before it becomes the current label and restarts the per-label
// index. Lines without a colon inherit the current label.
func (p *Parser) Parse(text string, specialChars []string) []model.Group {
	pattern := p.pattern(specialChars)

	var (
		groups []model.Group
		label  string
		index  = 1
	)

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		body := line
		if i := strings.IndexAny(line, ":："); i >= 0 {
			colon := ":"
			if strings.HasPrefix(line[i:], "：") {
				colon = "："
			}
			if l := strings.TrimSpace(line[:i]); l != "" {
				label = l
				index = 1
			}
			body = strings.TrimSpace(line[i+len(colon):])
			if body == "" {
				continue
			}
		}

		for _, m := range pattern.FindAllStringSubmatch(width.Fold.String(body), -1) {
			groups = append(groups, model.Group{
				Label: label,
				Data:  m[1] + m[2] + m[3] + m[4],
				Index: index,
			})
			index++
		}
	}

	return groups
}

// pattern returns the compiled fragment pattern for a special-char set:
// digits, a non-digit non-space separator, digits, then an optional
// special marker. Whitespace is tolerated between the parts.
func (p *Parser) pattern(specialChars []string) *regexp.Regexp {
	key := strings.Join(specialChars, "\x00")
	if re, ok := p.patterns.Get(key); ok {
		return re
	}

	special := `()?`
	if len(specialChars) > 0 {
		quoted := make([]string, len(specialChars))
		for i, c := range specialChars {
			quoted[i] = regexp.QuoteMeta(c)
		}
		special = `(` + strings.Join(quoted, "|") + `)?`
	}

	re := regexp.MustCompile(`(\d+)\s*([^\d\s]+)\s*(\d+)\s*` + special)
	p.patterns.Add(key, re)
	return re
}

// CleanSpecialChars trims and width-folds configured markers, dropping
// empties and duplicates while preserving priority order. Markers are
// folded the same way as wager text so that both sides compare equal.
func CleanSpecialChars(chars []string) []string {
	out := make([]string, 0, len(chars))
	seen := make(map[string]bool, len(chars))
	for _, c := range chars {
		c = width.Fold.String(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
