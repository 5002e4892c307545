package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentencesProtectsAbbreviations(t *testing.T) {
	text := "Dr. Smith moves first. The cost is 3.5 gold. See e.g. the setup rules. Done!"
	sentences := SplitSentences(text)

	require.Len(t, sentences, 4)
	assert.Equal(t, "Dr. Smith moves first.", sentences[0])
	assert.Equal(t, "The cost is 3.5 gold.", sentences[1])
	assert.Equal(t, "See e.g. the setup rules.", sentences[2])
	assert.Equal(t, "Done!", sentences[3])
}

func TestSplitSentencesSingleSentence(t *testing.T) {
	sentences := SplitSentences("No trailing punctuation here")
	require.Len(t, sentences, 1)
}

func TestSplitEmptyPagesYieldNothing(t *testing.T) {
	chunks := Split([]Page{{Number: 1, Text: "   \n\t "}}, DefaultConfig())
	assert.Empty(t, chunks)
}

func TestSplitNonEmptyPageYieldsAtLeastOneChunk(t *testing.T) {
	chunks := Split([]Page{{Number: 1, Text: "One short rule."}}, DefaultConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].PageNumber)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "One short rule.", chunks[0].Text)
}

func TestSplitChunkIndexMonotonicAcrossPages(t *testing.T) {
	long := strings.Repeat("Players draw two cards at the start of each round. ", 40)
	pages := []Page{
		{Number: 1, Text: long},
		{Number: 2, Text: long},
	}
	chunks := Split(pages, Config{MaxTokens: 100, OverlapFraction: 0.25})

	require.Greater(t, len(chunks), 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
	// Page numbers are non-decreasing and both pages appear.
	assert.Equal(t, 1, chunks[0].PageNumber)
	assert.Equal(t, 2, chunks[len(chunks)-1].PageNumber)
}

func TestSplitRespectsTokenBudget(t *testing.T) {
	long := strings.Repeat("A rule sentence with a handful of words in it. ", 60)
	chunks := Split([]Page{{Number: 1, Text: long}}, Config{MaxTokens: 80, OverlapFraction: 0.5})

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.EstTokens, 80+12, "chunk %d too large", c.ChunkIndex)
	}
}

func TestSplitOverlapCarriesTailSentences(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("Sentence number ")
		sb.WriteString(strings.Repeat("x", 20))
		sb.WriteString(" ends here. ")
	}
	chunks := Split([]Page{{Number: 1, Text: sb.String()}}, Config{MaxTokens: 60, OverlapFraction: 0.5})
	require.Greater(t, len(chunks), 1)

	// Each chunk after the first starts with text present in its predecessor.
	for i := 1; i < len(chunks); i++ {
		first := strings.SplitN(chunks[i].Text, ".", 2)[0]
		assert.Contains(t, chunks[i-1].Text, first,
			"chunk %d does not overlap its predecessor", i)
	}
}

func TestSplitKeepsRepeatedPassages(t *testing.T) {
	// Identical sentences repeated across chunk boundaries must all survive.
	text := strings.Repeat("Draw a card. ", 20)
	chunks := Split([]Page{{Number: 1, Text: text}}, Config{MaxTokens: 20, OverlapFraction: 0})

	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		total += strings.Count(c.Text, "Draw a card.")
	}
	assert.Equal(t, 20, total)
}

func TestSplitOversizedSentenceWordSplits(t *testing.T) {
	oversized := strings.Repeat("word ", 500)
	chunks := Split([]Page{{Number: 3, Text: oversized}}, Config{MaxTokens: 50, OverlapFraction: 0.5})

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 50*4+10)
		assert.Equal(t, 3, c.PageNumber)
	}
	// Word-level overlap: consecutive pieces share words.
	firstWords := strings.Fields(chunks[1].Text)
	assert.Contains(t, chunks[0].Text, firstWords[0])
}
