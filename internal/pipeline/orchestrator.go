// Package pipeline drives the asynchronous raster workflows: ingest,
// convert-to-COG, reproject and preview generation. Accepted jobs are
// executed by a bounded worker pool; callers poll the job tracker for
// completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/entities"
	"github.com/Davud77/botplus-maps/internal/gdal"
)

var (
	// ErrBusy means the backlog queue is full and the job was not accepted.
	ErrBusy = errors.New("pipeline backlog is full")
	// ErrAlreadyOptimized rejects a convert request for a COG asset.
	ErrAlreadyOptimized = errors.New("asset is already cloud optimized")
	// ErrAlreadyWebMercator rejects a reproject request for an EPSG:3857 asset.
	ErrAlreadyWebMercator = errors.New("asset is already in EPSG:3857")
	// ErrClosed rejects accepts that arrive after shutdown started.
	ErrClosed = errors.New("pipeline is shut down")
)

type ObjectStore interface {
	Put(ctx context.Context, key, localPath, contentType string) error
	Get(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
}

type Catalog interface {
	Insert(ctx context.Context, a *entities.RasterAsset) (int64, error)
	GetByID(ctx context.Context, id int64) (*entities.RasterAsset, error)
	SetPreviewKey(ctx context.Context, id int64, previewKey string) error
}

type Prober interface {
	Probe(ctx context.Context, path string) gdal.Metadata
}

type Engine interface {
	Run(ctx context.Context, spec gdal.RunSpec, onProgress func(float64)) error
}

type Previewer interface {
	Generate(ctx context.Context, srcPath, dstPath string) error
}

type Tracker interface {
	Put(job entities.Job) error
	Get(id string) (entities.Job, error)
	Delete(id string) error
}

type Options struct {
	Workers   int
	QueueSize int
	TempDir   string
}

type task struct {
	job entities.Job
	run func(ctx context.Context, r *jobRun) error
}

type Orchestrator struct {
	store     ObjectStore
	catalog   Catalog
	prober    Prober
	engine    Engine
	previewer Previewer
	tracker   Tracker

	tempDir string
	queue   chan task
	wg      sync.WaitGroup
	log     zerolog.Logger

	// mu orders accepts against Close so nothing sends on a closed queue.
	mu     sync.RWMutex
	closed bool
}

func New(store ObjectStore, catalog Catalog, prober Prober, engine Engine, previewer Previewer, tracker Tracker, opts Options, log zerolog.Logger) (*Orchestrator, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.TempDir == "" {
		opts.TempDir = "data/temp/orthos"
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	o := &Orchestrator{
		store:     store,
		catalog:   catalog,
		prober:    prober,
		engine:    engine,
		previewer: previewer,
		tracker:   tracker,
		tempDir:   opts.TempDir,
		queue:     make(chan task, opts.QueueSize),
		log:       log,
	}

	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	return o, nil
}

// Close drains the backlog and waits for in-flight jobs. New accepts
// fail with ErrClosed; started jobs always run to a terminal state.
// Close is safe to call more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// AcceptIngest registers an ingest job for a raster already staged at a
// local path and returns the job id immediately.
func (o *Orchestrator) AcceptIngest(ctx context.Context, stagedPath, originalName string) (string, error) {
	job := o.newJob(entities.JobIngest)
	return o.accept(job, func(ctx context.Context, r *jobRun) error {
		return o.runIngest(ctx, r, stagedPath, originalName)
	})
}

// AcceptConvert registers a convert-to-COG job. Assets already flagged
// cloud-optimized are rejected before any job is created.
func (o *Orchestrator) AcceptConvert(ctx context.Context, assetID int64) (string, error) {
	asset, err := o.catalog.GetByID(ctx, assetID)
	if err != nil {
		return "", err
	}
	if asset.IsCloudOptimized {
		return "", ErrAlreadyOptimized
	}

	job := o.newJob(entities.JobConvertCOG)
	return o.accept(job, func(ctx context.Context, r *jobRun) error {
		return o.runConvert(ctx, r, asset)
	})
}

// AcceptReproject registers a reprojection job to EPSG:3857. Assets
// whose CRS label (or storage key suffix) already indicates Web
// Mercator are rejected up front.
func (o *Orchestrator) AcceptReproject(ctx context.Context, assetID int64) (string, error) {
	asset, err := o.catalog.GetByID(ctx, assetID)
	if err != nil {
		return "", err
	}
	if strings.Contains(asset.CRSLabel, "EPSG:3857") || strings.Contains(asset.StorageKey, "_3857") {
		return "", ErrAlreadyWebMercator
	}

	job := o.newJob(entities.JobReproject)
	return o.accept(job, func(ctx context.Context, r *jobRun) error {
		return o.runReproject(ctx, r, asset)
	})
}

// AcceptPreview registers an on-demand preview job for an existing
// asset. Unlike the other workflows it patches the source row instead
// of inserting a new one.
func (o *Orchestrator) AcceptPreview(ctx context.Context, assetID int64) (string, error) {
	asset, err := o.catalog.GetByID(ctx, assetID)
	if err != nil {
		return "", err
	}

	job := o.newJob(entities.JobGeneratePreview)
	return o.accept(job, func(ctx context.Context, r *jobRun) error {
		return o.runPreview(ctx, r, asset)
	})
}

func (o *Orchestrator) newJob(kind entities.JobKind) entities.Job {
	return entities.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    entities.JobPending,
		CreatedAt: time.Now().UTC(),
	}
}

// accept persists the pending record, then tries a non-blocking enqueue.
// On a full backlog the record is removed again so a rejected id never
// lingers as a forever-pending job.
func (o *Orchestrator) accept(job entities.Job, run func(ctx context.Context, r *jobRun) error) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", ErrClosed
	}

	if err := o.tracker.Put(job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	select {
	case o.queue <- task{job: job, run: run}:
		return job.ID, nil
	default:
		_ = o.tracker.Delete(job.ID)
		return "", ErrBusy
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for t := range o.queue {
		o.execute(t)
	}
}

// execute runs one job to a terminal state. The job's scratch directory
// is removed in every outcome; failures there are swallowed.
func (o *Orchestrator) execute(t task) {
	ctx := context.Background()
	r := &jobRun{o: o, job: t.job}

	workDir, err := os.MkdirTemp(o.tempDir, t.job.ID+"-")
	if err != nil {
		r.fail(fmt.Errorf("create scratch dir: %w", err))
		return
	}
	r.workDir = workDir
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := t.run(ctx, r); err != nil {
		r.fail(err)
	}
}

// jobRun is the single writer of one job's tracked state.
type jobRun struct {
	o       *Orchestrator
	job     entities.Job
	workDir string
}

// progress moves the job into processing at the given percentage.
// Progress never decreases while a job runs.
func (r *jobRun) progress(p int, message string) {
	if p < r.job.Progress {
		p = r.job.Progress
	}
	r.job.Status = entities.JobProcessing
	r.job.Progress = p
	r.job.Message = message
	r.persist()
}

// engineProgress maps engine fractions into [start,end] and persists
// only when the rounded percentage changes.
func (r *jobRun) engineProgress(start, end int, message string) func(float64) {
	last := -1
	return func(frac float64) {
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		p := start + int(frac*float64(end-start))
		if p == last {
			return
		}
		last = p
		r.progress(p, message)
	}
}

func (r *jobRun) succeed(result *entities.JobResult) {
	r.job.Status = entities.JobSuccess
	r.job.Progress = 100
	r.job.Message = "Done"
	r.job.Result = result
	r.persist()
}

func (r *jobRun) fail(err error) {
	sentry.CaptureException(err)
	r.o.log.Error().Err(err).Str("job_id", r.job.ID).Str("kind", string(r.job.Kind)).Msg("job failed")

	r.job.Status = entities.JobError
	r.job.Error = err.Error()
	r.persist()
}

func (r *jobRun) persist() {
	if err := r.o.tracker.Put(r.job); err != nil {
		r.o.log.Error().Err(err).Str("job_id", r.job.ID).Msg("persist job state")
	}
}
