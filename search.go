package memgo

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/memgo/retrieval"
)

// Search runs one retrieval query through the hybrid pipeline: metadata
// prefilter, ANN candidate generation, score fusion, and the
// contradiction and temporal policies. Set Query.Mode to
// retrieval.ModeExact for the full-scan reference path the optimized
// pipeline is validated against.
//
// The result carries per-stage counts and degradation flags; an empty
// candidate list with a nil error is a normal outcome.
func (mg *Memgo) Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	start := time.Now()

	res, err := mg.search(ctx, q)

	duration := time.Since(start)
	err = translateError(err)
	mg.metrics.RecordSearch(q.TopK, duration, err)
	mg.logger.LogSearch(ctx, q.Tenant, q.TopK, len(res.Candidates), err)

	return res, err
}

func (mg *Memgo) search(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	if mg.closed.Load() {
		return retrieval.Result{}, ErrClosed
	}
	p, ok := mg.partition(q.Tenant)
	if !ok {
		return retrieval.Result{}, fmt.Errorf("%w: %q", ErrUnknownTenant, q.Tenant)
	}

	// A partition with no claims yet has no ANN index; the pipeline
	// requires one, so answer directly.
	if p.index.Load() == nil {
		return retrieval.Result{}, nil
	}

	return mg.pipeline.Search(ctx, q)
}
