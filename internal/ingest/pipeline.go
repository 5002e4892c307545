// Package ingest turns a source PDF into indexed chunks: download, extract,
// OCR when the native text layer is unusable, chunk, embed, persist. Each
// stage reports progress to the job status bus.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/chunker"
	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/ocr"
	"github.com/arbiterhq/arbiter/internal/pdfx"
	"github.com/arbiterhq/arbiter/internal/tracing"
)

// Task kinds handled by the ingestion worker.
const (
	TaskIngestSource    = "ingest_source"
	TaskDetectOverrides = "detect_overrides"
)

const maxPDFBytes = 100 << 20

// Progress bands per stage. OCR shifts the later stages right.
const (
	pctFetch      = 5
	pctDownloaded = 30
	pctExtracted  = 50
	pctOCRStart   = 52
	pctOCRDone    = 80
	pctChunkedNat = 60
	pctChunkedOCR = 85
	pctEmbedded   = 90
)

// Args is the payload of an ingest_source task.
type Args struct {
	SourceID int64 `json:"source_id"`
	Force    bool  `json:"force"`
}

// OverrideArgs is the payload of a detect_overrides task.
type OverrideArgs struct {
	GameID   int64 `json:"game_id"`
	SourceID int64 `json:"source_id"`
}

// Result is written to the status bus when a job completes.
type Result struct {
	SourceID int64  `json:"source_id"`
	Chunks   int    `json:"chunks"`
	Pages    int    `json:"pages"`
	OCRUsed  bool   `json:"ocr_used"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Store is the persistence surface of the pipeline.
type Store interface {
	GetSource(ctx context.Context, id int64) (*db.Source, error)
	ReplaceSourceChunks(ctx context.Context, sourceID int64, fileHash string, precedence int, expiresAt time.Time, chunks []db.NewChunk) error
	MarkNeedsOCR(ctx context.Context, sourceID int64) error
}

// Embedder produces embeddings for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Slots caps how many ingestions run at once across all workers.
type Slots interface {
	AcquireIngestSlot(ctx context.Context) bool
	ReleaseIngestSlot(ctx context.Context)
}

// Pipeline executes ingestion jobs.
type Pipeline struct {
	store    Store
	embedder Embedder
	ocr      *ocr.Client
	queue    *jobs.Queue
	slots    Slots
	chunkCfg chunker.Config
	chunkTTL time.Duration
	http     *http.Client
	logger   *zap.Logger
}

// New builds a pipeline. queue receives follow-up override-detection tasks;
// slots may be nil to disable the concurrency cap.
func New(store Store, embedder Embedder, ocrClient *ocr.Client, queue *jobs.Queue, slots Slots, chunkTTL time.Duration, logger *zap.Logger) *Pipeline {
	if chunkTTL <= 0 {
		chunkTTL = 30 * 24 * time.Hour
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		ocr:      ocrClient,
		queue:    queue,
		slots:    slots,
		chunkCfg: chunker.DefaultConfig(),
		chunkTTL: chunkTTL,
		http:     &http.Client{Timeout: 2 * time.Minute},
		logger:   logger,
	}
}

// Register installs the pipeline's handlers on the worker.
func (p *Pipeline) Register(w *jobs.Worker, overrides OverrideRunner) {
	w.Register(TaskIngestSource, p.HandleIngest)
	w.Register(TaskDetectOverrides, OverrideHandler(overrides, p.logger))
}

// HandleIngest runs one ingest_source task.
func (p *Pipeline) HandleIngest(ctx context.Context, task *jobs.Task, bus *jobs.StatusBus) error {
	var args Args
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return fmt.Errorf("bad ingest args: %w", err)
	}

	if p.slots != nil {
		if !p.slots.AcquireIngestSlot(ctx) {
			return fmt.Errorf("too many concurrent ingestions, retry later")
		}
		defer p.slots.ReleaseIngestSlot(context.WithoutCancel(ctx))
	}

	start := time.Now()
	err := p.run(ctx, task.ID, args, bus)
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IngestJobs.WithLabelValues(jobs.StateFailed).Inc()
		return err
	}
	metrics.IngestJobs.WithLabelValues(jobs.StateReady).Inc()
	return nil
}

func (p *Pipeline) run(ctx context.Context, jobID string, args Args, bus *jobs.StatusBus) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.run")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	logger := p.logger.With(zap.String("job_id", jobID), zap.Int64("source_id", args.SourceID))

	p.tick(ctx, bus, jobID, jobs.StateDownloading, 2, "loading source")
	source, err := p.store.GetSource(ctx, args.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", args.SourceID, err)
	}
	if source.SourceURL == nil || *source.SourceURL == "" {
		err = fmt.Errorf("source %d has no URL", source.ID)
		return err
	}

	p.tick(ctx, bus, jobID, jobs.StateDownloading, pctFetch, "downloading PDF")
	data, err := p.download(ctx, *source.SourceURL)
	if err != nil {
		return fmt.Errorf("download %s: %w", *source.SourceURL, err)
	}
	p.tick(ctx, bus, jobID, jobs.StateDownloading, pctDownloaded, "download complete")

	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])
	if !args.Force && source.FileHash != nil && *source.FileHash == fileHash {
		logger.Info("Source unchanged, skipping", zap.String("hash", fileHash[:12]))
		return bus.Complete(ctx, jobID, Result{
			SourceID: source.ID, Skipped: true, Reason: "content unchanged",
		})
	}

	p.tick(ctx, bus, jobID, jobs.StateExtracting, pctDownloaded, "extracting text")
	pages, err := pdfx.Extract(data)
	if err != nil {
		return fmt.Errorf("extract pdf: %w", err)
	}
	p.tick(ctx, bus, jobID, jobs.StateExtracting, pctExtracted, "text extracted")

	ocrUsed := false
	if pdfx.NeedsOCR(pages) {
		pages, err = p.runOCR(ctx, bus, jobID, source.ID, data, len(pages))
		if err != nil {
			return err
		}
		ocrUsed = true
	}

	chunkStart, chunkDone := pctExtracted, pctChunkedNat
	if ocrUsed {
		chunkStart, chunkDone = pctOCRDone, pctChunkedOCR
	}
	p.tick(ctx, bus, jobID, jobs.StateChunking, chunkStart, "chunking text")
	pieces := chunker.Split(toChunkerPages(pages), p.chunkCfg)
	if len(pieces) == 0 {
		err = fmt.Errorf("source %d produced no chunks", source.ID)
		return err
	}
	p.tick(ctx, bus, jobID, jobs.StateChunking, chunkDone, fmt.Sprintf("%d chunks", len(pieces)))

	newChunks := p.embed(ctx, bus, jobID, pieces, chunkDone, logger)

	p.tick(ctx, bus, jobID, jobs.StateSaving, pctEmbedded, "persisting chunks")
	precedence := db.PrecedenceForSourceType(source.SourceType)
	expiresAt := time.Now().Add(p.chunkTTL)
	if err = p.store.ReplaceSourceChunks(ctx, source.ID, fileHash, precedence, expiresAt, newChunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	metrics.ChunksPersisted.Add(float64(len(newChunks)))

	// Expansion content may replace base rules; detection runs as its own
	// job so ingestion latency stays bounded.
	if precedence == db.PrecedenceExpansion && p.queue != nil {
		p.enqueueOverrideDetection(ctx, source, logger)
	}

	logger.Info("Ingestion complete",
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(newChunks)),
		zap.Bool("ocr", ocrUsed),
	)
	return bus.Complete(ctx, jobID, Result{
		SourceID: source.ID,
		Chunks:   len(newChunks),
		Pages:    len(pages),
		OCRUsed:  ocrUsed,
	})
}

func (p *Pipeline) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPDFBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", maxPDFBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return data, nil
}

// runOCR replaces the extracted pages with OCR output. A source that needs
// OCR but cannot get it is flagged and the job fails.
func (p *Pipeline) runOCR(ctx context.Context, bus *jobs.StatusBus, jobID string, sourceID int64, data []byte, totalPages int) ([]pdfx.Page, error) {
	if p.ocr == nil || !p.ocr.Available() {
		if err := p.store.MarkNeedsOCR(ctx, sourceID); err != nil {
			p.logger.Warn("Failed to flag source for OCR", zap.Int64("source_id", sourceID), zap.Error(err))
		}
		return nil, fmt.Errorf("source requires OCR but no OCR endpoint is configured")
	}

	p.tick(ctx, bus, jobID, jobs.StateOCR, pctOCRStart, "running OCR")
	span := pctOCRDone - pctOCRStart
	pages, err := p.ocr.Run(ctx, data, totalPages, func(page, total, chars int) {
		metrics.OCRPages.Inc()
		pct := pctOCRStart + span*page/total
		p.tick(ctx, bus, jobID, jobs.StateOCR, pct, fmt.Sprintf("OCR page %d/%d", page, total))
	})
	if err != nil {
		if markErr := p.store.MarkNeedsOCR(ctx, sourceID); markErr != nil {
			p.logger.Warn("Failed to flag source for OCR", zap.Int64("source_id", sourceID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("ocr: %w", err)
	}
	p.tick(ctx, bus, jobID, jobs.StateOCR, pctOCRDone, "OCR complete")
	return pages, nil
}

// embed attaches embeddings to the chunk inserts. Embedding failure is not
// fatal: chunks persist without vectors and keyword search still covers them.
func (p *Pipeline) embed(ctx context.Context, bus *jobs.StatusBus, jobID string, pieces []chunker.Chunk, fromPct int, logger *zap.Logger) []db.NewChunk {
	p.tick(ctx, bus, jobID, jobs.StateEmbedding, fromPct, "embedding chunks")

	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Text
	}

	var vectors [][]float32
	if p.embedder != nil {
		var err error
		vectors, err = p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logger.Warn("Embedding failed, persisting chunks without vectors", zap.Error(err))
			vectors = nil
		}
	}

	out := make([]db.NewChunk, len(pieces))
	for i, c := range pieces {
		nc := db.NewChunk{
			PageNumber: c.PageNumber,
			ChunkIndex: c.ChunkIndex,
			ChunkText:  c.Text,
		}
		if vectors != nil && i < len(vectors) && vectors[i] != nil {
			vec := pgvector.NewVector(vectors[i])
			nc.Embedding = &vec
		}
		out[i] = nc
	}
	p.tick(ctx, bus, jobID, jobs.StateEmbedding, pctEmbedded, "embeddings ready")
	return out
}

func (p *Pipeline) enqueueOverrideDetection(ctx context.Context, source *db.Source, logger *zap.Logger) {
	task, err := jobs.NewTask(TaskDetectOverrides, OverrideArgs{
		GameID:   source.GameID,
		SourceID: source.ID,
	})
	if err != nil {
		logger.Error("Failed to build override task", zap.Error(err))
		return
	}
	if err := p.queue.Enqueue(ctx, task); err != nil {
		logger.Error("Failed to enqueue override detection", zap.Error(err))
	}
}

// tick writes a progress update; a lost tick never fails the job.
func (p *Pipeline) tick(ctx context.Context, bus *jobs.StatusBus, jobID, state string, pct int, msg string) {
	if err := bus.Update(ctx, jobID, state, pct, msg); err != nil {
		p.logger.Warn("Status update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func toChunkerPages(pages []pdfx.Page) []chunker.Page {
	out := make([]chunker.Page, len(pages))
	for i, pg := range pages {
		out[i] = chunker.Page{Number: pg.Number, Text: pg.Text}
	}
	return out
}

// OverrideRunner is the override detector's entry point.
type OverrideRunner interface {
	Run(ctx context.Context, gameID, sourceID int64) (int, error)
}

// OverrideHandler adapts the override detector to the worker.
func OverrideHandler(runner OverrideRunner, logger *zap.Logger) jobs.Handler {
	return func(ctx context.Context, task *jobs.Task, bus *jobs.StatusBus) error {
		var args OverrideArgs
		if err := json.Unmarshal(task.Args, &args); err != nil {
			return fmt.Errorf("bad override args: %w", err)
		}
		written, err := runner.Run(ctx, args.GameID, args.SourceID)
		if err != nil {
			return err
		}
		logger.Info("Override detection finished",
			zap.Int64("source_id", args.SourceID),
			zap.Int("edges", written),
		)
		return bus.Complete(ctx, task.ID, map[string]int{"edges": written})
	}
}
