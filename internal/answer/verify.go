package answer

import (
	"regexp"
	"strings"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/retrieval"
)

var collapseRe = regexp.MustCompile(`\s+`)

// normalizeText lowercases and collapses whitespace; quote and chunk go
// through the same normalization before comparison.
func normalizeText(s string) string {
	return strings.TrimSpace(collapseRe.ReplaceAllString(strings.ToLower(s), " "))
}

// fuzzyThreshold is the maximum accepted edit distance for a quote.
func fuzzyThreshold(quoteLen int) int {
	t := quoteLen * 2 / 100
	if t < 8 {
		return 8
	}
	return t
}

// Window sizes tried around the quote length, in preference order.
var windowScales = []float64{1.0, 0.9, 1.1, 0.95, 1.05}

// bestWindowDistance slides windows of several sizes over the chunk text and
// returns the smallest edit distance to the quote. The step is a twentieth
// of the window so the scan stays sub-linear in chunk size.
func bestWindowDistance(quote, text string) int {
	best := len(quote) + len(text)
	for _, scale := range windowScales {
		window := int(float64(len(quote)) * scale)
		if window <= 0 || window > len(text) {
			continue
		}
		step := window / 20
		if step < 1 {
			step = 1
		}
		for start := 0; start+window <= len(text); start += step {
			d := levenshtein(quote, text[start:start+window])
			if d < best {
				best = d
			}
			if best == 0 {
				return 0
			}
		}
	}
	return best
}

// VerifyResult reports how a quote was verified.
type VerifyResult struct {
	Verified  bool
	ChunkID   int64
	Relabeled bool   // quote found in a different chunk than the model named
	Pass      string // "exact" or "fuzzy"
	Distance  int
}

// verifyInChunk runs both passes against one chunk.
func verifyInChunk(quote, chunkText string) (bool, string, int) {
	nq := normalizeText(quote)
	nc := normalizeText(chunkText)
	if nq == "" {
		return false, "", 0
	}
	if strings.Contains(nc, nq) {
		return true, "exact", 0
	}
	d := bestWindowDistance(nq, nc)
	if d <= fuzzyThreshold(len(nq)) {
		return true, "fuzzy", d
	}
	return false, "", d
}

// Verify confirms that the quote occurs in the named target chunk, falling
// back to every candidate chunk; a hit elsewhere relabels the citation.
func Verify(quote string, targetChunkID int64, candidates []retrieval.Candidate) VerifyResult {
	var target *retrieval.Candidate
	for i := range candidates {
		if candidates[i].ID == targetChunkID {
			target = &candidates[i]
			break
		}
	}

	if target != nil {
		if ok, pass, d := verifyInChunk(quote, target.ChunkText); ok {
			metrics.AnswerVerifications.WithLabelValues(pass, "ok").Inc()
			return VerifyResult{Verified: true, ChunkID: target.ID, Pass: pass, Distance: d}
		}
	}

	for i := range candidates {
		c := &candidates[i]
		if c.ID == targetChunkID {
			continue
		}
		if ok, pass, d := verifyInChunk(quote, c.ChunkText); ok {
			metrics.AnswerVerifications.WithLabelValues(pass, "relabeled").Inc()
			return VerifyResult{Verified: true, ChunkID: c.ID, Relabeled: true, Pass: pass, Distance: d}
		}
	}

	metrics.AnswerVerifications.WithLabelValues("fuzzy", "failed").Inc()
	return VerifyResult{Verified: false, ChunkID: targetChunkID}
}
