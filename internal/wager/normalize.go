package wager

import (
	"regexp"
	"strings"

	"github.com/servision-wang/data-processing/internal/model"
)

var (
	nonDigits = regexp.MustCompile(`\D+`)

	// Users type these in place of '/'.
	fullStops = strings.NewReplacer("。", "/", "．", "/")
)

// ValidPattern reports whether s is a scoreable hit pattern: one to three
// characters, all in '1'..'4', and a three-character pattern must contain
// exactly two distinct digits.
func ValidPattern(s string) bool {
	if len(s) < 1 || len(s) > 3 {
		return false
	}
	seen := make(map[byte]bool, 3)
	for i := 0; i < len(s); i++ {
		if s[i] < '1' || s[i] > '4' {
			return false
		}
		seen[s[i]] = true
	}
	if len(s) == 3 {
		return len(seen) == 2
	}
	return true
}

// Normalize converts a group into an item. The second return value is false
// when the group has fewer than two numbers and yields no item at all.
//
// The first number is the hit pattern and the second the stake, unless the
// first is not a valid pattern while the second is (or is a lone digit
// 1-4); then the two are swapped. No other reordering is attempted.
func Normalize(g model.Group, specialChars []string) (model.Item, bool) {
	normalized := fullStops.Replace(g.Data)

	var parts []string
	for _, p := range nonDigits.Split(normalized, -1) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return model.Item{}, false
	}

	first, second := parts[0], parts[1]
	if !ValidPattern(first) && (ValidPattern(second) || isHitDigit(second)) {
		first, second = second, first
	}

	if !ValidPattern(first) {
		return model.Item{
			Label:        g.Label,
			Digits:       []string{},
			Total:        second,
			IsInvalid:    true,
			OriginalData: g.Data,
		}, true
	}

	item := model.Item{
		Label:        g.Label,
		Digits:       strings.Split(first, ""),
		Total:        second,
		OriginalData: g.Data,
	}
	for _, c := range specialChars {
		if c != "" && strings.Contains(g.Data, c) {
			item.IsSpecial = true
			item.SpecialChar = c
			break
		}
	}
	return item, true
}

func isHitDigit(s string) bool {
	return len(s) == 1 && s[0] >= '1' && s[0] <= '4'
}
