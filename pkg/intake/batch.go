package intake

import (
	"context"
	"runtime"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cascade-io/cascade/pkg/errors"
)

// BatchItem is one submission in a batch.
type BatchItem struct {
	// Input supplies the item's bytes.
	Input Input
	// Options applies per-item submit options. Nil uses defaults.
	Options *SubmitOptions
}

// BatchResult pairs an item's index with its outcome.
type BatchResult struct {
	// Index is the item's position in the submitted batch.
	Index int `json:"index"`
	// Result is the item's terminal result, nil on failure.
	Result *Result `json:"result,omitempty"`
	// Err is the item's terminal error, nil on success.
	Err error `json:"error,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Total       int           `json:"total"`
	Success     int           `json:"success"`
	Errors      int           `json:"errors"`
	SuccessRate float64       `json:"success_rate"`
	Duration    time.Duration `json:"duration"`
	Results     []BatchResult `json:"results"`
}

// SubmitBatch runs the items with at most workers submissions in flight.
// Failures are isolated per item: one failing item never cancels the
// rest. workers of zero or less defaults to the number of CPUs.
func (s *Selector) SubmitBatch(ctx context.Context, items []BatchItem, process ProcessFunc, workers int) (*Summary, error) {
	if process == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "process function is required")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, span := s.tracer.Start(ctx, "intake.batch")
	defer span.End()
	span.SetAttribute("items", len(items))
	span.SetAttribute("workers", workers)

	started := time.Now()
	results := make([]BatchResult, len(items))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range items {
		idx := i
		item := items[i]
		g.Go(func() error {
			res, err := s.Submit(ctx, item.Input, process, item.Options)
			results[idx] = BatchResult{Index: idx, Result: res, Err: err}
			return nil
		})
	}
	// Outcomes are captured per item, so Wait never reports an error.
	_ = g.Wait()

	success := lo.CountBy(results, func(r BatchResult) bool { return r.Err == nil })

	summary := &Summary{
		Total:    len(items),
		Success:  success,
		Errors:   len(items) - success,
		Duration: time.Since(started),
		Results:  results,
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(success) / float64(summary.Total)
	}

	span.SetAttribute("success", success)
	span.SetAttribute("errors", summary.Errors)

	s.logger.Info("batch complete",
		zap.Int("items", summary.Total),
		zap.Int("success", success),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

// SubmitFiles runs a batch over file paths.
func (s *Selector) SubmitFiles(ctx context.Context, paths []string, process ProcessFunc, workers int) (*Summary, error) {
	items := lo.Map(paths, func(path string, _ int) BatchItem {
		return BatchItem{Input: FileInput(path)}
	})
	return s.SubmitBatch(ctx, items, process, workers)
}
