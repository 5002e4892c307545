// Package ocr recognizes text in scanned documents through a cloud OCR
// endpoint, one page per request so resident memory stays bounded by a
// single page.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/pdfx"
	"github.com/arbiterhq/arbiter/internal/tracing"
)

// ErrUnavailable reports that no OCR endpoint is configured or reachable.
var ErrUnavailable = errors.New("ocr unavailable")

// ErrNoText reports that OCR ran but recognized nothing usable.
var ErrNoText = errors.New("ocr produced no text")

// Progress is called after each page with the running character count.
type Progress func(page, total, chars int)

// Client is a thin HTTP client for the OCR endpoint.
type Client struct {
	endpoint    string
	credentials string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New builds an OCR client. An empty endpoint yields a client whose Run
// always fails with ErrUnavailable.
func New(endpoint, credentials string, logger *zap.Logger) *Client {
	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
	}
}

// Available reports whether an endpoint is configured.
func (c *Client) Available() bool {
	return c.endpoint != ""
}

type pageRequest struct {
	Page int    `json:"page"`
	PDF  string `json:"pdf"`
}

type pageResponse struct {
	Text string `json:"text"`
}

// Run recognizes every page of the document. Pages are requested one at a
// time; a failed page contributes empty text but does not abort the run.
func (c *Client) Run(ctx context.Context, pdfData []byte, totalPages int, progress Progress) ([]pdfx.Page, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	encoded := base64.StdEncoding.EncodeToString(pdfData)
	pages := make([]pdfx.Page, 0, totalPages)
	chars := 0
	for n := 1; n <= totalPages; n++ {
		text, err := c.recognizePage(ctx, encoded, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("OCR page failed",
				zap.Int("page", n),
				zap.Error(err),
			)
			text = ""
		}
		metrics.OCRPages.Inc()
		chars += len(text)
		pages = append(pages, pdfx.Page{Number: n, Text: text})
		if progress != nil {
			progress(n, totalPages, chars)
		}
	}

	if chars == 0 {
		return nil, ErrNoText
	}
	return pages, nil
}

func (c *Client) recognizePage(ctx context.Context, encodedPDF string, page int) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ocr.page", attribute.Int("page", page))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	body, err := json.Marshal(pageRequest{Page: page, PDF: encodedPDF})
	if err != nil {
		return "", fmt.Errorf("marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/v1/recognize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credentials != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("ocr endpoint returned %d", resp.StatusCode)
		return "", err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read ocr response: %w", err)
	}
	var out pageResponse
	if err = json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	return out.Text, nil
}
