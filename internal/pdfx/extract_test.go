package pdfx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func page(n, chars int) Page {
	return Page{Number: n, Text: strings.Repeat("a", chars)}
}

func TestNeedsOCRLowAverageOverThreePages(t *testing.T) {
	pages := []Page{page(1, 10), page(2, 20), page(3, 30)}
	assert.True(t, NeedsOCR(pages))
}

func TestNeedsOCRHealthyDocument(t *testing.T) {
	pages := []Page{page(1, 900), page(2, 1200), page(3, 40)}
	assert.False(t, NeedsOCR(pages))
}

func TestNeedsOCRExactThreshold(t *testing.T) {
	// 50 chars/page average is not below the threshold.
	pages := []Page{page(1, 50), page(2, 50), page(3, 50)}
	assert.False(t, NeedsOCR(pages))
}

func TestNeedsOCRShortDocumentUsesTotal(t *testing.T) {
	assert.True(t, NeedsOCR([]Page{page(1, 30), page(2, 60)}))
	assert.False(t, NeedsOCR([]Page{page(1, 80), page(2, 60)}))
}

func TestNeedsOCREmptyDocument(t *testing.T) {
	assert.True(t, NeedsOCR(nil))
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract([]byte("not a pdf at all"))
	assert.Error(t, err)
}
