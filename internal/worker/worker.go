// internal/worker/worker.go

// Package worker drives one queued job from claim to session update: audit
// record, guarded state transition, external processing call, asset
// persistence. All retry policy lives in the queue layer; the worker's only
// contract is to return nil on success and the primary failure otherwise.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/hainaria/tryon-pipeline/internal/img"
	"github.com/hainaria/tryon-pipeline/internal/objstore"
	"github.com/hainaria/tryon-pipeline/internal/store"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

// Processor is the boundary to the external image-processing service.
type Processor interface {
	RemoveBackground(ctx context.Context, filename string, input io.Reader) ([]byte, error)
	TryOn(ctx context.Context, personName string, person io.Reader, garmentName string, garment io.Reader) ([]byte, error)
}

// processingFrom are the accepted predecessors for entering PROCESSING.
// PENDING is deliberately absent: a job for a session without an uploaded
// input is misrouted and must not start. Terminal states are included so a
// redelivered or re-enqueued job can run again (last write wins).
var processingFrom = []schema.SessionStatus{
	schema.SessionUploaded,
	schema.SessionProcessing,
	schema.SessionBGRemovalDone,
	schema.SessionTryOnDone,
	schema.SessionFailed,
}

// completedFrom are the accepted predecessors for a terminal success write.
var completedFrom = []schema.SessionStatus{
	schema.SessionProcessing,
	schema.SessionBGRemovalDone,
	schema.SessionTryOnDone,
}

// ReportingError carries a secondary failure that occurred while recording
// the primary one. Unwrap yields the primary so queue-level classification
// is never masked by a broken status write.
type ReportingError struct {
	Primary error
	Report  error
}

func (e *ReportingError) Error() string {
	return fmt.Sprintf("%v (failure reporting also failed: %v)", e.Primary, e.Report)
}

func (e *ReportingError) Unwrap() error { return e.Primary }

// Options tunes asset placement and preview generation.
type Options struct {
	AssetFolder   string
	PreviewFolder string
	PreviewWidth  int
	PreviewHeight int
}

func (o *Options) withDefaults() {
	if o.AssetFolder == "" {
		o.AssetFolder = "tryon"
	}
	if o.PreviewFolder == "" {
		o.PreviewFolder = "previews"
	}
}

type Worker struct {
	store     store.Store
	objects   objstore.Store
	processor Processor
	opts      Options
	logger    *slog.Logger
}

func New(st store.Store, objects objstore.Store, proc Processor, opts Options, logger *slog.Logger) *Worker {
	opts.withDefaults()
	return &Worker{
		store:     st,
		objects:   objects,
		processor: proc,
		opts:      opts,
		logger:    logger,
	}
}

// Handle processes one claimed job to completion. It blocks for the whole
// job; concurrency comes from running multiple consumers, not from
// interleaving within one.
func (w *Worker) Handle(ctx context.Context, job schema.Job) error {
	logger := w.logger.With("session_id", job.SessionID, "kind", job.Kind)
	logger.Info("received job", "image_url", job.ImageURL)

	rec, err := w.store.CreateJobRecord(ctx, job.SessionID, job.Kind)
	if err != nil {
		// The attempt aborts before touching the session; the queue decides
		// whether to redeliver.
		return fmt.Errorf("create job record: %w", err)
	}

	if err := w.process(ctx, job, logger); err != nil {
		logger.Error("job failed", "err", err)
		return w.reportFailure(ctx, job, rec.ID, err, logger)
	}

	if err := w.store.UpdateJobRecord(ctx, rec.ID, schema.JobRecordDone, ""); err != nil {
		// Audit trail only; the job itself succeeded.
		logger.Warn("job record completion write failed", "record_id", rec.ID, "err", err)
	}
	logger.Info("job completed")
	return nil
}

func (w *Worker) process(ctx context.Context, job schema.Job, logger *slog.Logger) error {
	if err := w.store.TransitionSession(ctx, job.SessionID,
		store.SessionUpdate{Status: schema.SessionProcessing}, processingFrom...); err != nil {
		return fmt.Errorf("mark session processing: %w", err)
	}

	output, err := w.transform(ctx, job)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("%s-%s-%d.png", output.prefix, job.SessionID, time.Now().UnixMilli())
	assetURL, err := w.objects.Put(ctx, output.data, w.opts.AssetFolder, filename)
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	previewURL := w.storePreview(ctx, output.data, filename, logger)

	asset := &store.Asset{
		SessionID:  job.SessionID,
		Type:       output.assetType,
		URL:        assetURL,
		PreviewURL: previewURL,
	}
	if err := w.store.CreateAsset(ctx, asset); err != nil {
		return fmt.Errorf("create asset: %w", err)
	}

	if err := w.store.TransitionSession(ctx, job.SessionID,
		store.SessionUpdate{Status: output.doneStatus, CurrentResultURL: assetURL}, completedFrom...); err != nil {
		return fmt.Errorf("mark session %s: %w", output.doneStatus, err)
	}
	return nil
}

type transformResult struct {
	data       []byte
	assetType  schema.AssetType
	doneStatus schema.SessionStatus
	prefix     string
}

func (w *Worker) transform(ctx context.Context, job schema.Job) (*transformResult, error) {
	input, err := w.objects.Fetch(ctx, job.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch input: %w", err)
	}
	defer input.Close()

	switch job.Kind {
	case schema.JobKindBGRemoval:
		data, err := w.processor.RemoveBackground(ctx, path.Base(job.ImageURL), input)
		if err != nil {
			return nil, fmt.Errorf("remove background: %w", err)
		}
		return &transformResult{
			data:       data,
			assetType:  schema.AssetCutout,
			doneStatus: schema.SessionBGRemovalDone,
			prefix:     "cutout",
		}, nil

	case schema.JobKindTryOn:
		if job.GarmentURL == "" {
			return nil, fmt.Errorf("try-on job missing garment url")
		}
		garment, err := w.objects.Fetch(ctx, job.GarmentURL)
		if err != nil {
			return nil, fmt.Errorf("fetch garment: %w", err)
		}
		defer garment.Close()

		data, err := w.processor.TryOn(ctx, path.Base(job.ImageURL), input, path.Base(job.GarmentURL), garment)
		if err != nil {
			return nil, fmt.Errorf("compose try-on: %w", err)
		}
		return &transformResult{
			data:       data,
			assetType:  schema.AssetTryOnResult,
			doneStatus: schema.SessionTryOnDone,
			prefix:     "tryon",
		}, nil

	default:
		return nil, fmt.Errorf("unsupported job kind %q", job.Kind)
	}
}

// storePreview derives and stores a small preview of the produced asset.
// Best effort: a preview failure never fails the job.
func (w *Worker) storePreview(ctx context.Context, data []byte, filename string, logger *slog.Logger) string {
	if w.opts.PreviewWidth <= 0 || w.opts.PreviewHeight <= 0 {
		return ""
	}
	preview, pw, ph, err := img.GeneratePreview(data, w.opts.PreviewWidth, w.opts.PreviewHeight)
	if err != nil {
		logger.Warn("preview generation failed", "err", err)
		return ""
	}
	url, err := w.objects.Put(ctx, preview, w.opts.PreviewFolder, filename)
	if err != nil {
		logger.Warn("preview upload failed", "err", err)
		return ""
	}
	logger.Info("preview stored", "width", pw, "height", ph)
	return url
}

// reportFailure records the failed attempt on the job record and the
// session, then returns the primary error for the queue's retry policy.
// Secondary write failures are surfaced distinctly but never mask the
// primary.
func (w *Worker) reportFailure(ctx context.Context, job schema.Job, recordID string, primary error, logger *slog.Logger) error {
	var reports []error

	if err := w.store.UpdateJobRecord(ctx, recordID, schema.JobRecordFailed, primary.Error()); err != nil {
		reports = append(reports, fmt.Errorf("job record failure write: %w", err))
	}

	err := w.store.TransitionSession(ctx, job.SessionID,
		store.SessionUpdate{Status: schema.SessionFailed}, schema.SessionProcessing)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrIllegalTransition):
		// A concurrent job already moved the session past PROCESSING; do not
		// stomp its result.
		logger.Warn("skipping FAILED write, session no longer processing")
	default:
		reports = append(reports, fmt.Errorf("session failure write: %w", err))
	}

	if len(reports) > 0 {
		report := errors.Join(reports...)
		logger.Error("failure reporting degraded", "report_err", report)
		return &ReportingError{Primary: primary, Report: report}
	}
	return primary
}
