package analysis

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/retinalab/fundus_analyzer/internal/inference"
	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/record"
	"github.com/retinalab/fundus_analyzer/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Orchestrator fans one inference request out per eligible record and
// reconciles every outcome back into the store. A record failing never
// touches its siblings; a record removed mid-flight settles as a no-op.
type Orchestrator struct {
	store     *record.Store
	service   inference.Service
	telemetry *telemetry.Telemetry

	inFlight atomic.Int64

	// OnResultsReady receives a signal after a run in which at least one
	// record completed. Sends are non-blocking; a slow consumer only ever
	// coalesces signals.
	OnResultsReady chan struct{}
}

// NewOrchestrator creates an orchestrator over the given store and
// inference backend.
func NewOrchestrator(store *record.Store, service inference.Service, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		store:          store,
		service:        service,
		telemetry:      tel,
		OnResultsReady: make(chan struct{}, 1),
	}
}

// Busy reports whether any triggered run still has unsettled records.
func (o *Orchestrator) Busy() bool {
	return o.inFlight.Load() > 0
}

// Analyze dispatches one request per eligible record, all concurrently, and
// blocks until every dispatched record settled as completed or errored.
// Completed records are skipped, so re-triggering after a partial failure
// retries only the failures. Returns how many records were dispatched.
func (o *Orchestrator) Analyze(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	eligible := o.store.Eligible()
	if len(eligible) == 0 {
		logger.DebugContext(ctx, "nothing to analyze")

		return 0, nil
	}

	dispatched := make([]record.FileRecord, 0, len(eligible))

	for _, rec := range eligible {
		if err := o.store.MarkAnalyzing(rec.ID); err != nil {
			// Lost a race with a removal or another trigger. Skip it.
			logger.DebugContext(ctx, "skipping record", "record_id", rec.ID, "err", err)

			continue
		}

		dispatched = append(dispatched, rec)
	}

	if len(dispatched) == 0 {
		return 0, nil
	}

	o.inFlight.Add(int64(len(dispatched)))

	logger.InfoContext(ctx, "analysis run started", "record_count", len(dispatched))

	var completed atomic.Int64

	var wg errgroup.Group

	for _, rec := range dispatched {
		wg.Go(func() error {
			defer o.inFlight.Add(-1)

			// Outcomes land on the record, never on the group; returning an
			// error here would cancel sibling requests.
			if o.analyzeOne(ctx, rec) {
				completed.Add(1)
			}

			return nil
		})
	}

	_ = wg.Wait()

	logger.InfoContext(ctx, "analysis run settled",
		"record_count", len(dispatched),
		"completed", completed.Load(),
	)

	if completed.Load() > 0 {
		select {
		case o.OnResultsReady <- struct{}{}:
		default:
		}
	}

	return len(dispatched), nil
}

// analyzeOne runs a single record through the inference service and settles
// it. Reports whether the record completed.
func (o *Orchestrator) analyzeOne(ctx context.Context, rec record.FileRecord) bool {
	logger := logctx.LoggerFromContext(ctx).With("record_id", rec.ID, "file_name", rec.Name)

	var result *record.Result

	err := o.telemetry.InstrumentAnalysis(ctx, rec.ID, rec.Name, func(ctx context.Context) error {
		prediction, err := o.service.Predict(ctx, rec.Name, rec.Source)
		if err != nil {
			return err
		}

		result, err = aggregate(prediction)

		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "analysis failed", "err", err)
		o.settleError(ctx, rec.ID, failureReason(err))

		return false
	}

	if err := o.store.Complete(rec.ID, result); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// Removed while analyzing; drop the result.
			logger.DebugContext(ctx, "record removed mid-flight, discarding result")

			return false
		}

		logger.ErrorContext(ctx, "failed to settle record", "err", err)

		return false
	}

	logger.InfoContext(ctx, "analysis completed", "label_count", len(result.DetectedLabels))

	return true
}

func (o *Orchestrator) settleError(ctx context.Context, id, reason string) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", id)

	if err := o.store.MarkError(id, reason); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			logger.DebugContext(ctx, "record removed mid-flight, discarding failure")

			return
		}

		logger.ErrorContext(ctx, "failed to settle record", "err", err)
	}
}
