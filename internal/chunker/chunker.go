// Package chunker segments document pages into token-bounded, overlapping
// chunks along sentence boundaries.
package chunker

import (
	"regexp"
	"strings"
)

// Config controls chunk sizing. A token is estimated as four characters.
type Config struct {
	MaxTokens       int
	OverlapFraction float64
}

// DefaultConfig mirrors what the ingestion pipeline uses in production.
func DefaultConfig() Config {
	return Config{MaxTokens: 400, OverlapFraction: 0.5}
}

// Page is one input page of extracted text.
type Page struct {
	Number int
	Text   string
}

// Chunk is one output segment. ChunkIndex increases monotonically across the
// whole document.
type Chunk struct {
	PageNumber int
	ChunkIndex int
	Text       string
	EstTokens  int
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	sentenceEnd  = regexp.MustCompile(`[.!?]['")\]]*\s+`)
	decimalRe    = regexp.MustCompile(`(\d)\.(\d)`)
)

// Abbreviations whose trailing period must not end a sentence.
var abbreviations = []string{
	"Mr.", "Mrs.", "Ms.", "Dr.", "Prof.", "St.",
	"e.g.", "i.e.", "etc.", "vs.", "cf.", "No.", "pg.", "p.",
}

const protectMark = "\x01"

// EstimateTokens approximates the token count of text at four characters per
// token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Split segments pages into chunks. Every non-empty input yields at least one
// chunk; boundaries never split mid-sentence unless a single sentence exceeds
// the token budget.
func Split(pages []Page, cfg Config) []Chunk {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.OverlapFraction < 0 || cfg.OverlapFraction >= 1 {
		cfg.OverlapFraction = 0.5
	}

	var chunks []Chunk
	index := 0
	for _, page := range pages {
		text := normalizeWhitespace(page.Text)
		if text == "" {
			continue
		}
		for _, piece := range chunkPage(text, cfg) {
			chunks = append(chunks, Chunk{
				PageNumber: page.Number,
				ChunkIndex: index,
				Text:       piece,
				EstTokens:  EstimateTokens(piece),
			})
			index++
		}
	}
	return chunks
}

func normalizeWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// SplitSentences splits normalized text into sentences, protecting common
// abbreviations and decimal numerals from being treated as sentence ends.
func SplitSentences(text string) []string {
	protected := text
	for _, abbr := range abbreviations {
		safe := strings.ReplaceAll(abbr, ".", protectMark)
		protected = strings.ReplaceAll(protected, abbr, safe)
	}
	protected = decimalRe.ReplaceAllString(protected, "$1"+protectMark+"$2")

	var sentences []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(protected, -1) {
		// Cut after the punctuation run, before the whitespace.
		end := loc[1]
		for end > loc[0] && (protected[end-1] == ' ' || protected[end-1] == '\t') {
			end--
		}
		if s := strings.TrimSpace(protected[start:end]); s != "" {
			sentences = append(sentences, restore(s))
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(protected[start:]); s != "" {
		sentences = append(sentences, restore(s))
	}
	return sentences
}

func restore(s string) string {
	return strings.ReplaceAll(s, protectMark, ".")
}

func chunkPage(text string, cfg Config) []string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var pieces []string
	var current []string
	currentTokens := 0
	fresh := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, strings.Join(current, " "))
		// Seed the next chunk with tail sentences within the overlap budget.
		budget := int(float64(cfg.MaxTokens) * cfg.OverlapFraction)
		var tail []string
		tailTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			t := EstimateTokens(current[i])
			if tailTokens+t > budget {
				break
			}
			tail = append([]string{current[i]}, tail...)
			tailTokens += t
		}
		// A tail equal to the whole chunk would loop forever.
		if len(tail) == len(current) {
			tail = nil
			tailTokens = 0
		}
		current = tail
		currentTokens = tailTokens
		fresh = false
	}

	for _, sentence := range sentences {
		tokens := EstimateTokens(sentence)
		if tokens > cfg.MaxTokens {
			if len(current) > 0 && fresh {
				pieces = append(pieces, strings.Join(current, " "))
				current = nil
				currentTokens = 0
			}
			pieces = append(pieces, splitOversized(sentence, cfg.MaxTokens)...)
			continue
		}
		if currentTokens+tokens > cfg.MaxTokens && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		currentTokens += tokens
		fresh = true
	}
	// An overlap-only tail carries no new content.
	if len(current) > 0 && fresh {
		pieces = append(pieces, strings.Join(current, " "))
	}

	return pieces
}

// splitOversized word-splits a sentence that alone exceeds the token budget,
// overlapping each piece with the back half of the previous one.
func splitOversized(sentence string, maxTokens int) []string {
	words := strings.Fields(sentence)
	maxChars := maxTokens * 4

	var pieces []string
	i := 0
	for i < len(words) {
		chars := 0
		j := i
		for j < len(words) {
			next := chars + len(words[j]) + 1
			if next > maxChars && j > i {
				break
			}
			chars = next
			j++
		}
		pieces = append(pieces, strings.Join(words[i:j], " "))
		if j >= len(words) {
			break
		}
		step := (j - i + 1) / 2
		if step < 1 {
			step = 1
		}
		i += step
	}
	return pieces
}
