package cache

import (
	"regexp"
	"strings"
)

var (
	punctRe      = regexp.MustCompile(`[^\w\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Number words spelled out in questions map to digits so "draw two cards"
// and "draw 2 cards" share a cache key.
var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8",
	"nine": "9", "ten": "10", "eleven": "11", "twelve": "12",
}

// NormalizeQuestion lowercases, strips punctuation, collapses whitespace, and
// replaces spelled-out numbers with digits.
func NormalizeQuestion(question string) string {
	s := strings.ToLower(question)
	s = punctRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	words := strings.Split(s, " ")
	for i, w := range words {
		if d, ok := numberWords[w]; ok {
			words[i] = d
		}
	}
	return strings.Join(words, " ")
}
