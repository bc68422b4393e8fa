// Package pdf extracts text from PDF files by shelling out to the poppler
// tools (pdftotext, pdfinfo).
package pdf

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// InstallInstructions tells the user how to get the poppler tools.
func InstallInstructions() string {
	return "pdftotext not found. Install poppler: `brew install poppler` (macOS) or `apt install poppler-utils` (Debian/Ubuntu)."
}

// PageRange is a half-open [Start, End) range of 0-indexed pages.
type PageRange struct {
	Start int
	End   int
}

// Processor extracts text from one PDF file. Page-batch extraction runs on a
// small CPU-bounded worker pool since pdftotext is CPU-bound per invocation.
type Processor struct {
	path   string
	runner Runner
	logger *zap.Logger

	pagesOnce  sync.Once
	totalPages int
	pagesErr   error
}

// NewProcessor creates a processor for path. runner may be nil to use the
// real commands.
func NewProcessor(path string, runner Runner, logger *zap.Logger) *Processor {
	if runner == nil {
		runner = execRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		path:   path,
		runner: runner,
		logger: logger.With(zap.String("component", "pdf_processor"), zap.String("path", path)),
	}
}

// TotalPages probes the page count via pdfinfo, cached after the first call.
func (p *Processor) TotalPages(ctx context.Context) (int, error) {
	p.pagesOnce.Do(func() {
		out, err := p.runner.Run(ctx, "pdfinfo", p.path)
		if err != nil {
			p.pagesErr = fmt.Errorf("probe page count: %w", err)
			return
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.HasPrefix(line, "Pages:") {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
			if err != nil {
				p.pagesErr = fmt.Errorf("parse page count: %w", err)
				return
			}
			p.totalPages = n
			return
		}
		p.pagesErr = fmt.Errorf("pdfinfo output has no Pages line")
	})
	return p.totalPages, p.pagesErr
}

// ExtractAll extracts the whole document as one text.
func (p *Processor) ExtractAll(ctx context.Context) (string, error) {
	out, err := p.runner.Run(ctx, "pdftotext", p.path, "-")
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	return string(out), nil
}

// ExtractRange extracts the pages in one 0-indexed half-open range.
func (p *Processor) ExtractRange(ctx context.Context, r PageRange) (string, error) {
	out, err := p.runner.Run(ctx, "pdftotext",
		"-f", strconv.Itoa(r.Start+1),
		"-l", strconv.Itoa(r.End),
		p.path, "-")
	if err != nil {
		return "", fmt.Errorf("extract pages %d-%d: %w", r.Start, r.End, err)
	}
	return string(out), nil
}

// PageBatches splits the document into ranges of at most pagesPerBatch pages.
func (p *Processor) PageBatches(ctx context.Context, pagesPerBatch int) ([]PageRange, error) {
	if pagesPerBatch <= 0 {
		pagesPerBatch = 10
	}
	total, err := p.TotalPages(ctx)
	if err != nil {
		return nil, err
	}

	var batches []PageRange
	for start := 0; start < total; start += pagesPerBatch {
		end := start + pagesPerBatch
		if end > total {
			end = total
		}
		batches = append(batches, PageRange{Start: start, End: end})
	}
	return batches, nil
}

// ExtractBatches extracts the document in page batches on a worker pool,
// returning batch texts in page order. A failed batch is logged and skipped;
// the rest of the document still comes back.
func (p *Processor) ExtractBatches(ctx context.Context, pagesPerBatch int) ([]string, error) {
	batches, err := p.PageBatches(ctx, pagesPerBatch)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(batches))
	ok := make([]bool, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractWorkers())

	for i, batch := range batches {
		g.Go(func() error {
			text, err := p.ExtractRange(gctx, batch)
			if err != nil {
				p.logger.Warn("page batch extraction failed",
					zap.Int("start_page", batch.Start),
					zap.Int("end_page", batch.End),
					zap.Error(err))
				return nil
			}
			texts[i] = text
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(batches))
	for i, text := range texts {
		if ok[i] {
			out = append(out, text)
		}
	}
	return out, nil
}

func extractWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}
