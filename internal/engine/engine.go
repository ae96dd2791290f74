// Package engine runs a pipeline configuration against a dataset, keeping
// a per-operator status record up to date while it goes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/metrics"
	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/registry"
	"github.com/SelimCelen/dataflowhub/internal/serving"
	"github.com/SelimCelen/dataflowhub/internal/storage"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

type DatasetSource interface {
	Get(id string) (registry.Dataset, error)
}

type ServingSource interface {
	Get(id string) (registry.ServingInfo, error)
	Ordered() ([]registry.ServingInfo, error)
}

type ServingBuilder interface {
	Build(id string, info registry.ServingInfo) (serving.Instance, error)
}

type ManagerSource interface {
	Get(id string) (registry.DatabaseManagerInfo, error)
}

// Exporter uploads a finished execution's output file.
type Exporter interface {
	Export(ctx context.Context, executionID, path string) (string, error)
}

type Options struct {
	// CacheRoot holds one cache directory per execution.
	CacheRoot string
	// SQLiteRoot is where registered SQLite databases live.
	SQLiteRoot string
	// DefaultServingFilling lets a null serving param use the configured
	// servings in order.
	DefaultServingFilling bool
}

// Deps are the collaborators of an Engine. Metrics and Exporter are
// optional.
type Deps struct {
	Catalog  *plugin.Catalog
	Datasets DatasetSource
	Servings ServingSource
	Factory  ServingBuilder
	Managers ManagerSource
	Records  store.RecordStore
	Metrics  *metrics.Recorder
	Exporter Exporter
}

type Engine struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func New(deps Deps, opts Options, log *zap.Logger) *Engine {
	return &Engine{deps: deps, opts: opts, log: log.Named("engine"), now: time.Now}
}

// Run executes cfg as execution executionID and returns the final record.
// Failures, cancellation and panics all end in a terminal record.
func (e *Engine) Run(ctx context.Context, cfg models.PipelineConfig, executionID string) *models.ExecutionRecord {
	r := e.begin(cfg, executionID)
	if r.stopped {
		return r.current()
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				e.log.Error("pipeline execution panicked",
					zap.String("execution_id", executionID), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return r.execute(ctx)
	}()
	r.finish(ctx, err)
	return r.current()
}

type run struct {
	e   *Engine
	id  string
	cfg models.PipelineConfig
	log *zap.Logger

	mu      sync.Mutex
	rec     *models.ExecutionRecord
	stopped bool

	storage  *storage.FileStorage
	servings map[string]serving.Instance
	embeds   map[string]serving.Instance
	managers map[string]plugin.DatabaseManager
	results  []models.ExecutionResult
}

type boundOperator struct {
	op     plugin.Operator
	name   string
	key    string
	index  int
	params map[string]any
}

// begin loads or creates the execution record and marks it running.
func (e *Engine) begin(cfg models.PipelineConfig, id string) *run {
	r := &run{
		e:        e,
		id:       id,
		cfg:      cfg,
		log:      e.log.With(zap.String("execution_id", id)),
		servings: map[string]serving.Instance{},
		embeds:   map[string]serving.Instance{},
		managers: map[string]plugin.DatabaseManager{},
	}
	bg := context.Background()
	rec, err := e.deps.Records.Get(bg, id)
	if errors.Is(err, store.ErrNotFound) {
		rec = models.NewExecutionRecord(id, "", cfg, e.now())
		if err := e.deps.Records.Create(bg, rec); err != nil {
			r.log.Error("create execution record", zap.Error(err))
		}
	} else if err != nil {
		r.log.Error("load execution record", zap.Error(err))
		rec = models.NewExecutionRecord(id, "", cfg, e.now())
	}
	r.rec = rec.Clone()
	if r.rec.Status.Terminal() {
		r.stopped = true
		return r
	}
	if r.rec.OperatorLogs == nil {
		r.rec.OperatorLogs = map[string][]string{}
	}
	if r.rec.OperatorsDetail == nil {
		r.rec.OperatorsDetail = map[string]*models.OperatorDetail{}
	}
	now := e.now()
	r.rec.Status = models.ExecutionRunning
	if r.rec.StartedAt == nil {
		r.rec.StartedAt = &now
	}
	r.rec.PipelineConfig = cfg
	r.addLog("", "Starting pipeline execution: %s", id)
	r.log.Info("starting pipeline execution", zap.Int("operators", len(cfg.Operators)))
	r.persist()
	return r
}

func (r *run) ts() string { return r.e.now().Format(time.RFC3339Nano) }

// addLog appends a timestamped line to the global logs and, when key is
// set, to that operator's logs.
func (r *run) addLog(key, format string, args ...any) {
	r.appendLine(key, fmt.Sprintf("[%s] %s", r.ts(), fmt.Sprintf(format, args...)))
}

func (r *run) appendLine(key, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Logs = append(r.rec.Logs, line)
	if key != "" {
		r.rec.OperatorLogs[key] = append(r.rec.OperatorLogs[key], line)
	}
}

func (r *run) detail(key string, fn func(d *models.OperatorDetail)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.rec.OperatorsDetail[key]; d != nil {
		fn(d)
	}
}

// persist writes the local record over the stored one. A stored record that
// is already terminal was finalized elsewhere and stops the run.
func (r *run) persist() {
	r.mu.Lock()
	snapshot := r.rec.Clone()
	r.mu.Unlock()
	_, err := r.e.deps.Records.Update(context.Background(), r.id, func(cur *models.ExecutionRecord) error {
		if cur.Status.Terminal() {
			return store.ErrTerminal
		}
		snapshot.Version = cur.Version
		if snapshot.PipelineID == "" {
			snapshot.PipelineID = cur.PipelineID
		}
		*cur = *snapshot
		return nil
	})
	switch {
	case errors.Is(err, store.ErrTerminal):
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	case err != nil:
		r.log.Warn("persist execution record", zap.Error(err))
	}
}

func (r *run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// current returns the stored record, or the local one when it cannot be
// read.
func (r *run) current() *models.ExecutionRecord {
	rec, err := r.e.deps.Records.Get(context.Background(), r.id)
	if err == nil {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

func (r *run) execute(ctx context.Context) error {
	if err := r.initStorage(); err != nil {
		return err
	}
	ops, err := r.initOperators(ctx)
	if err != nil {
		return err
	}
	return r.runOperators(ctx, ops)
}

func (r *run) initStorage() error {
	r.addLog("", "Step 1: Initializing storage...")
	ref := r.cfg.InputDataset
	if ref.IsZero() {
		return newError("pipeline config is missing input_dataset", map[string]any{"pipeline_config": r.cfg}, nil)
	}
	ds, err := r.e.deps.Datasets.Get(ref.ID)
	if err != nil {
		return newError("dataset not found", map[string]any{"dataset_id": ref.ID}, err)
	}
	cacheDir := filepath.Join(r.e.opts.CacheRoot, r.id)
	st, err := storage.New(ds.Root, cacheDir, storage.DefaultPrefix, storage.CacheJSONL)
	if err != nil {
		return newError("failed to initialize storage", map[string]any{"input_dataset": ref.ID, "dataset": ds}, err)
	}
	r.storage = st
	r.addLog("", "Storage initialized with dataset: %s", ds.Root)
	return nil
}

func (r *run) initOperators(ctx context.Context) ([]boundOperator, error) {
	ops := r.cfg.Operators
	total := len(ops)
	r.addLog("", "Step 2: Initializing operators...")
	r.addLog("", "Found %d operators to initialize", total)

	bound := make([]boundOperator, 0, total)
	for idx, op := range ops {
		name := op.Name
		if name == "" {
			name = fmt.Sprintf("Operator_%d", idx)
		}
		key := models.OperatorKey(name, idx)
		r.mu.Lock()
		r.rec.OperatorsDetail[key] = &models.OperatorDetail{Name: name, Index: idx, Status: models.OperatorInitializing}
		r.mu.Unlock()
		r.addLog(key, "[%d/%d] Initializing operator: %s", idx+1, total, name)

		b, err := r.initOperator(ctx, op, name, key, idx)
		if err != nil {
			r.detail(key, func(d *models.OperatorDetail) { d.Status = models.OperatorFailed })
			return nil, err
		}
		bound = append(bound, b)
		r.detail(key, func(d *models.OperatorDetail) { d.Status = models.OperatorInitialized })
		r.addLog(key, "[%d/%d] %s initialized successfully", idx+1, total, name)
	}
	r.persist()
	return bound, nil
}

func (r *run) initOperator(ctx context.Context, op models.OperatorBinding, name, key string, idx int) (boundOperator, error) {
	args := map[string]any{}
	for _, p := range op.Params.Init {
		v, err := r.resolveInit(ctx, key, p.Name, p.Value)
		if err != nil {
			var ee *EngineError
			if errors.As(err, &ee) {
				ee.Context["operator"] = name
				ee.Context["operator_index"] = idx
				return boundOperator{}, ee
			}
			return boundOperator{}, newError("failed to process parameter: "+p.Name, map[string]any{
				"operator":       name,
				"operator_index": idx,
				"param_name":     p.Name,
				"param_value":    clip(p.Value, 100),
			}, err)
		}
		args[p.Name] = v
	}

	cls, ok := r.e.deps.Catalog.Operator(name)
	if !ok {
		return boundOperator{}, newError("operator class not found: "+name, map[string]any{
			"operator":       name,
			"operator_index": idx,
		}, nil)
	}
	inst, err := cls.New(args)
	if err != nil {
		return boundOperator{}, newError("failed to initialize operator: "+name, map[string]any{
			"operator":       name,
			"operator_index": idx,
			"init_params":    clipMap(args, 50, ""),
		}, err)
	}

	runParams := op.Params.RunMap()
	delete(runParams, plugin.ParamStorage)
	return boundOperator{op: inst, name: name, key: key, index: idx, params: runParams}, nil
}

func (r *run) runOperators(ctx context.Context, ops []boundOperator) error {
	total := len(ops)
	r.addLog("", "Step 3: Executing %d operators...", total)
	for _, b := range ops {
		if ctx.Err() != nil || r.isStopped() {
			return errCancelled
		}
		if err := r.runOperator(ctx, b, total); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runOperator(ctx context.Context, b boundOperator, total int) error {
	step := r.storage.Step()
	r.addLog(b.key, "[%d/%d] Running operator: %s", b.index+1, total, b.name)
	started := r.e.now()
	r.detail(b.key, func(d *models.OperatorDetail) {
		d.Status = models.OperatorRunning
		d.StartedAt = &started
	})
	r.persist()
	if r.isStopped() {
		return errCancelled
	}

	stdout := newLineWriter("[STDOUT] ", func(s string) { r.appendLine(b.key, s) })
	stderr := newLineWriter("[STDERR] ", func(s string) { r.appendLine(b.key, s) })
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("operator panicked: %v", p)
			}
		}()
		return b.op.Run(ctx, plugin.Invocation{Storage: step, Params: b.params, Stdout: stdout, Stderr: stderr})
	}()
	stdout.Flush()
	stderr.Flush()
	elapsed := r.e.now().Sub(started)

	if err != nil {
		done := r.e.now()
		if ctx.Err() != nil {
			r.detail(b.key, func(d *models.OperatorDetail) {
				d.Status = models.OperatorCancelled
				d.CompletedAt = &done
			})
			r.e.deps.Metrics.OperatorRun(b.name, string(models.OperatorCancelled), elapsed)
			return errCancelled
		}
		r.detail(b.key, func(d *models.OperatorDetail) {
			d.Status = models.OperatorFailed
			d.Error = err.Error()
		})
		r.e.deps.Metrics.OperatorRun(b.name, string(models.OperatorFailed), elapsed)
		r.persist()
		return newError("failed to run operator: "+b.name, map[string]any{
			"operator":        b.name,
			"operator_index":  b.index,
			"total_operators": total,
			"run_params":      clipMap(b.params, 50, plugin.ParamStorage),
		}, err)
	}

	count := 0
	out := step.CacheFilePath(step.OperatorStep() + 1)
	if _, statErr := os.Stat(out); statErr == nil {
		n, cerr := storage.CountRows(out)
		if cerr != nil {
			r.addLog(b.key, "WARN: Failed to read output file: %v", cerr)
		}
		count = n
	}
	r.addLog(b.key, "Processed %d samples", count)
	r.addLog(b.key, "[%d/%d] %s completed successfully", b.index+1, total, b.name)
	done := r.e.now()
	r.detail(b.key, func(d *models.OperatorDetail) {
		d.Status = models.OperatorCompleted
		d.CompletedAt = &done
		d.SampleCount = &count
	})
	r.e.deps.Metrics.OperatorRun(b.name, string(models.OperatorCompleted), elapsed)
	r.results = append(r.results, models.ExecutionResult{Operator: b.name, Status: "completed", Index: b.index})
	r.persist()
	return nil
}

// finish stamps the terminal status and output and persists them.
func (r *run) finish(ctx context.Context, err error) {
	now := r.e.now()
	var ee *EngineError
	switch {
	case err == nil:
		r.addLog("", "Pipeline execution completed successfully")
		r.mu.Lock()
		r.rec.Status = models.ExecutionCompleted
		r.rec.Output = models.ExecutionOutput{
			OperatorsExecuted: len(r.results),
			ExecutionResults:  r.results,
			Success:           true,
		}
		r.mu.Unlock()
		r.export()
		r.log.Info("pipeline execution completed")
	case errors.Is(err, errCancelled):
		r.addLog("", "Pipeline execution cancelled")
		r.mu.Lock()
		r.rec.Status = models.ExecutionCancelled
		r.rec.ErrorMessage = errCancelled.Error()
		r.rec.Output.Error = errCancelled.Error()
		r.cancelUnfinished(now)
		r.mu.Unlock()
		r.log.Info("pipeline execution cancelled")
	case errors.As(err, &ee):
		line := fmt.Sprintf("[%s] ERROR: %s", now.Format(time.RFC3339Nano), ee.Message)
		key := ""
		if idx, ok := ee.operatorIndex(); ok {
			r.mu.Lock()
			if d := r.rec.DetailAt(idx); d != nil {
				key = models.OperatorKey(d.Name, idx)
			}
			r.mu.Unlock()
		}
		r.appendLine(key, line)
		r.mu.Lock()
		if key != "" {
			if d := r.rec.OperatorsDetail[key]; d != nil {
				d.Status = models.OperatorFailed
				if d.Error == "" {
					d.Error = ee.Message
				}
			}
		}
		r.rec.Status = models.ExecutionFailed
		r.rec.ErrorMessage = ee.Message
		r.rec.Output = models.ExecutionOutput{
			OperatorsExecuted: len(r.results),
			ExecutionResults:  r.results,
			Error:             ee.Message,
			ErrorContext:      ee.Context,
		}
		if ee.Original != nil {
			r.rec.Output.OriginalError = ee.Original.Error()
		}
		r.mu.Unlock()
		r.log.Error("pipeline execution failed",
			zap.String("error", ee.Message), zap.Any("context", ee.Context), zap.NamedError("original", ee.Original))
	default:
		r.addLog("", "ERROR: Unexpected error - %v", err)
		r.mu.Lock()
		r.rec.Status = models.ExecutionFailed
		r.rec.ErrorMessage = err.Error()
		r.rec.Output = models.ExecutionOutput{
			OperatorsExecuted: len(r.results),
			ExecutionResults:  r.results,
			Error:             "unexpected error during pipeline execution",
			ErrorMessage:      err.Error(),
		}
		r.mu.Unlock()
		r.log.Error("unexpected error during pipeline execution", zap.Error(err))
	}

	r.mu.Lock()
	r.rec.CompletedAt = &now
	r.rec.FinishedAt = &now
	status := r.rec.Status
	r.mu.Unlock()
	r.persist()
	r.e.deps.Metrics.Execution(string(status))
}

// cancelUnfinished marks operators that were still in flight as
// cancelled. Callers hold r.mu.
func (r *run) cancelUnfinished(now time.Time) {
	for _, d := range r.rec.OperatorsDetail {
		if d.Status == models.OperatorRunning || d.Status == models.OperatorInitializing {
			d.Status = models.OperatorCancelled
			d.CompletedAt = &now
		}
	}
}

// export uploads the last step file. Failures are only logged.
func (r *run) export() {
	if r.e.deps.Exporter == nil || r.storage == nil || len(r.results) == 0 {
		return
	}
	path := r.storage.CacheFilePath(len(r.results))
	if _, err := os.Stat(path); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	uri, err := r.e.deps.Exporter.Export(ctx, r.id, path)
	if err != nil {
		r.log.Warn("export execution output", zap.String("file", path), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.rec.Output.ArtifactURI = uri
	r.mu.Unlock()
	r.addLog("", "Output exported to %s", uri)
}
