// Package pdfx extracts embedded text from PDF documents page by page and
// decides whether a document needs OCR.
package pdfx

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Page is one page of extracted text, 1-indexed.
type Page struct {
	Number int
	Text   string
}

// OCR gate thresholds: documents averaging fewer characters per page than
// this are assumed to be scans.
const (
	minCharsPerPage  = 50
	minTotalChars    = 100
	minPagesForRatio = 3
)

// Extract returns the embedded text of every page. Pages whose extraction
// fails yield empty text rather than failing the document.
func Extract(data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	pages := make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		pages = append(pages, Page{Number: i, Text: pageText(reader, i)})
	}
	return pages, nil
}

// pageText extracts one page, recovering from parser panics on malformed
// content streams.
func pageText(reader *pdf.Reader, n int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()
	page := reader.Page(n)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}

// NeedsOCR reports whether native extraction produced too little text:
// under 50 chars/page averaged over three or more pages, or under 100 chars
// total for shorter documents.
func NeedsOCR(pages []Page) bool {
	total := 0
	for _, p := range pages {
		total += len(p.Text)
	}
	if len(pages) >= minPagesForRatio {
		return total/len(pages) < minCharsPerPage
	}
	return total < minTotalChars
}
