// Package execution starts pipeline executions, inline or through a
// scheduler, and answers status, log and result queries about them.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/scheduler"
	"github.com/SelimCelen/dataflowhub/internal/storage"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

const (
	KilledMessage  = "Task was killed by user"
	DefaultLimit   = 5
	customPipeline = "custom"
	customName     = "Custom Pipeline"
)

var (
	ErrNotFound       = store.ErrNotFound
	ErrInvalidRequest = errors.New("either pipeline_id or config must be provided")
)

type PipelineSource interface {
	Get(id string) (*models.PipelineDefinition, error)
}

type Engine interface {
	Run(ctx context.Context, cfg models.PipelineConfig, executionID string) *models.ExecutionRecord
}

type TaskTracker interface {
	Create(t models.TaskRecord) (models.TaskRecord, error)
	Start(id string) (models.TaskRecord, error)
	Complete(id, outputID string) (models.TaskRecord, error)
	Fail(id, msg string) (models.TaskRecord, error)
	Cancel(id string) (models.TaskRecord, error)
}

// Request selects a stored pipeline or carries an ad-hoc config.
type Request struct {
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Config     *models.PipelineConfig `json:"config,omitempty"`
}

type Service struct {
	pipelines PipelineSource
	engine    Engine
	records   store.RecordStore
	tasks     TaskTracker
	sched     scheduler.Scheduler
	cacheRoot string
	inline    *semaphore.Weighted
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	futures map[string]scheduler.Future
}

type Options struct {
	Pipelines PipelineSource
	Engine    Engine
	Records   store.RecordStore
	Tasks     TaskTracker
	// CacheRoot is the engine's cache root; step files of an execution
	// live in {CacheRoot}/{execution_id}.
	CacheRoot string
	// MaxInline bounds the number of StartSync runs in flight. Zero means
	// no bound.
	MaxInline int
}

func NewService(opts Options, log *zap.Logger) *Service {
	s := &Service{
		pipelines: opts.Pipelines,
		engine:    opts.Engine,
		records:   opts.Records,
		tasks:     opts.Tasks,
		cacheRoot: opts.CacheRoot,
		log:       log.Named("execution"),
		now:       time.Now,
		futures:   map[string]scheduler.Future{},
	}
	if opts.MaxInline > 0 {
		s.inline = semaphore.NewWeighted(int64(opts.MaxInline))
	}
	return s
}

// SetScheduler installs the scheduler used by Submit. The scheduler's
// runner is normally s.RunJob.
func (s *Service) SetScheduler(sched scheduler.Scheduler) { s.sched = sched }

func (s *Service) resolve(req Request) (models.PipelineConfig, string, string, error) {
	if req.PipelineID != "" {
		p, err := s.pipelines.Get(req.PipelineID)
		if err != nil {
			return models.PipelineConfig{}, "", "", fmt.Errorf("pipeline %s: %w", req.PipelineID, err)
		}
		return p.Config, p.ID, p.Name, nil
	}
	if req.Config == nil {
		return models.PipelineConfig{}, "", "", ErrInvalidRequest
	}
	return *req.Config, "", customName, nil
}

// StartSync runs the pipeline inline and returns the final record. The run
// is detached from ctx cancellation: a caller that goes away does not stop
// it, only Kill does.
func (s *Service) StartSync(ctx context.Context, req Request) (*models.ExecutionRecord, error) {
	cfg, pipelineID, _, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if s.inline != nil {
		if err := s.inline.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for inline slot: %w", err)
		}
		defer s.inline.Release(1)
	}
	ctx = context.WithoutCancel(ctx)
	id := uuid.NewString()
	if err := s.records.Create(ctx, models.NewExecutionRecord(id, pipelineID, cfg, s.now())); err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}
	s.log.Info("executing pipeline inline", zap.String("execution_id", id), zap.String("pipeline_id", pipelineID))
	return s.engine.Run(ctx, cfg, id), nil
}

// Submit queues the pipeline and returns the execution id without waiting
// for it to start.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if s.sched == nil {
		return "", errors.New("no scheduler configured")
	}
	cfg, pipelineID, name, err := s.resolve(req)
	if err != nil {
		return "", err
	}
	metaPipeline := pipelineID
	if metaPipeline == "" {
		metaPipeline = customPipeline
	}
	task, err := s.tasks.Create(models.TaskRecord{
		DatasetID:    cfg.InputDataset.ID,
		ExecutorName: name,
		ExecutorType: models.ExecutorPipeline,
		Meta:         map[string]any{"pipeline_id": metaPipeline},
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	id := task.ID
	if err := s.records.Create(ctx, models.NewExecutionRecord(id, pipelineID, cfg, s.now())); err != nil {
		return "", fmt.Errorf("create execution record: %w", err)
	}

	f, err := s.sched.Submit(ctx, scheduler.Job{ExecutionID: id, Config: cfg})
	if err != nil {
		s.finalize(id, models.ExecutionFailed, err)
		return "", fmt.Errorf("submit execution: %w", err)
	}
	s.mu.Lock()
	s.futures[id] = f
	s.mu.Unlock()
	go s.track(id, f)

	s.log.Info("pipeline execution submitted", zap.String("execution_id", id), zap.String("pipeline_id", metaPipeline))
	return id, nil
}

// RunJob is the scheduler runner. It marks the record running before the
// engine starts.
func (s *Service) RunJob(ctx context.Context, job scheduler.Job) *models.ExecutionRecord {
	now := s.now()
	_, err := s.records.Update(context.Background(), job.ExecutionID, func(r *models.ExecutionRecord) error {
		if r.Status.Terminal() {
			return store.ErrTerminal
		}
		r.Status = models.ExecutionRunning
		r.StartedAt = &now
		return nil
	})
	if errors.Is(err, store.ErrTerminal) {
		rec, _ := s.records.Get(context.Background(), job.ExecutionID)
		return rec
	}
	if err != nil {
		s.log.Warn("mark execution running", zap.String("execution_id", job.ExecutionID), zap.Error(err))
	}
	if s.tasks != nil {
		if _, err := s.tasks.Start(job.ExecutionID); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Debug("start task", zap.String("task_id", job.ExecutionID), zap.Error(err))
		}
	}
	return s.engine.Run(ctx, job.Config, job.ExecutionID)
}

// track waits for a future and closes the matching task.
func (s *Service) track(id string, f scheduler.Future) {
	rec, err := f.Result()
	s.mu.Lock()
	delete(s.futures, id)
	s.mu.Unlock()

	var terr error
	switch {
	case errors.Is(err, scheduler.ErrCancelled), errors.Is(err, scheduler.ErrClosed):
		s.finalize(id, models.ExecutionCancelled, err)
		_, terr = s.tasks.Cancel(id)
	case err != nil:
		s.finalize(id, models.ExecutionFailed, err)
		_, terr = s.tasks.Fail(id, err.Error())
	case rec == nil:
		_, terr = s.tasks.Fail(id, "execution produced no record")
	case rec.Status == models.ExecutionCompleted:
		_, terr = s.tasks.Complete(id, rec.Output.ArtifactURI)
	case rec.Status == models.ExecutionCancelled:
		_, terr = s.tasks.Cancel(id)
	default:
		_, terr = s.tasks.Fail(id, rec.ErrorMessage)
	}
	if terr != nil {
		s.log.Debug("close task", zap.String("task_id", id), zap.Error(terr))
	}
}

// finalize closes a record the engine never finished.
func (s *Service) finalize(id string, status models.ExecutionStatus, cause error) {
	now := s.now()
	_, err := s.records.Update(context.Background(), id, func(r *models.ExecutionRecord) error {
		if r.Status.Terminal() {
			return store.ErrTerminal
		}
		r.Status = status
		r.ErrorMessage = cause.Error()
		r.Output.Error = cause.Error()
		r.FinishedAt = &now
		r.CompletedAt = &now
		r.Logs = append(r.Logs, fmt.Sprintf("[%s] Pipeline execution %s: %v", now.Format(time.RFC3339Nano), status, cause))
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		s.log.Warn("finalize execution", zap.String("execution_id", id), zap.Error(err))
	}
}

// Kill force-cancels an execution and always finalizes its record as
// cancelled. It reports false for missing or already finished executions.
func (s *Service) Kill(ctx context.Context, id string) bool {
	rec, err := s.records.Get(ctx, id)
	if err != nil || rec.Status.Terminal() {
		return false
	}

	s.mu.Lock()
	f := s.futures[id]
	delete(s.futures, id)
	s.mu.Unlock()
	if f != nil {
		s.cancelFuture(id, f)
	} else {
		s.log.Warn("no tracked job for execution", zap.String("execution_id", id))
	}

	now := s.now()
	_, err = s.records.Update(context.Background(), id, func(r *models.ExecutionRecord) error {
		if r.Status.Terminal() {
			return store.ErrTerminal
		}
		r.Status = models.ExecutionCancelled
		r.FinishedAt = &now
		r.ErrorMessage = KilledMessage
		for _, d := range r.OperatorsDetail {
			if d.Status == models.OperatorRunning || d.Status == models.OperatorInitializing {
				d.Status = models.OperatorCancelled
				d.CompletedAt = &now
			}
		}
		r.Logs = append(r.Logs, fmt.Sprintf("[%s] %s", now.Format(time.RFC3339Nano), KilledMessage))
		return nil
	})
	if err != nil {
		s.log.Warn("finalize killed execution", zap.String("execution_id", id), zap.Error(err))
		return false
	}
	if s.tasks != nil {
		if _, err := s.tasks.Cancel(id); err != nil {
			s.log.Debug("cancel task", zap.String("task_id", id), zap.Error(err))
		}
	}
	s.log.Info("execution killed", zap.String("execution_id", id))
	return true
}

func (s *Service) cancelFuture(id string, f scheduler.Future) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("cancel panicked", zap.String("execution_id", id), zap.Any("panic", v))
		}
	}()
	if err := f.Cancel(true); err != nil {
		s.log.Error("cancel job", zap.String("execution_id", id), zap.Error(err))
	}
}

// Status is the polling view of an execution.
type Status struct {
	TaskID          string                            `json:"task_id"`
	PipelineID      string                            `json:"pipeline_id,omitempty"`
	PipelineConfig  models.PipelineConfig             `json:"pipeline_config"`
	Status          models.ExecutionStatus            `json:"status"`
	OperatorsDetail map[string]*models.OperatorDetail `json:"operators_detail"`
	OperatorLogs    map[string][]string               `json:"operator_logs"`
	Logs            []string                          `json:"logs"`
	StartedAt       *time.Time                        `json:"started_at,omitempty"`
	CompletedAt     *time.Time                        `json:"completed_at,omitempty"`
}

func (s *Service) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	return s.records.Get(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		TaskID:          rec.TaskID,
		PipelineID:      rec.PipelineID,
		PipelineConfig:  rec.PipelineConfig,
		Status:          rec.Status,
		OperatorsDetail: rec.OperatorsDetail,
		OperatorLogs:    rec.OperatorLogs,
		Logs:            rec.Logs,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}, nil
}

// Logs returns the global logs, or the logs of one operator addressed by
// its full key or by its name.
func (s *Service) Logs(ctx context.Context, id, operator string) ([]string, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if operator == "" {
		return rec.Logs, nil
	}
	if logs, ok := rec.OperatorLogs[operator]; ok {
		return logs, nil
	}
	keys := make([]string, 0, len(rec.OperatorLogs))
	for k := range rec.OperatorLogs {
		if strings.HasPrefix(k, operator+"_") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return []string{}, nil
	}
	sort.Strings(keys)
	return rec.OperatorLogs[keys[0]], nil
}

type Result struct {
	TaskID          string                            `json:"task_id"`
	PipelineID      string                            `json:"pipeline_id,omitempty"`
	Status          models.ExecutionStatus            `json:"status"`
	Step            int                               `json:"step"`
	OperatorName    string                            `json:"operator_name,omitempty"`
	OperatorStatus  models.OperatorStatus             `json:"operator_status,omitempty"`
	SampleData      []storage.Row                     `json:"sample_data"`
	SampleCount     int                               `json:"sample_count"`
	TotalCount      int                               `json:"total_count"`
	FileExists      bool                              `json:"file_exists"`
	CacheFile       string                            `json:"cache_file"`
	OperatorsDetail map[string]*models.OperatorDetail `json:"operators_detail"`
	StartedAt       *time.Time                        `json:"started_at,omitempty"`
	CompletedAt     *time.Time                        `json:"completed_at,omitempty"`
}

// Result samples the output of the operator at step. Without a step it
// picks the last completed operator, else the running one, else 0. When
// the operator's output file is missing its input file is read instead.
func (s *Service) Result(ctx context.Context, id string, step *int, limit int) (*Result, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	idx := defaultStep(rec)
	if step != nil {
		idx = *step
	}

	dir := filepath.Join(s.cacheRoot, id)
	path := storage.CacheFilePath(dir, storage.DefaultPrefix, storage.CacheJSONL, idx+1)
	if !fileExists(path) && idx > 0 {
		path = storage.CacheFilePath(dir, storage.DefaultPrefix, storage.CacheJSONL, idx)
	}

	out := &Result{
		TaskID:          rec.TaskID,
		PipelineID:      rec.PipelineID,
		Status:          rec.Status,
		Step:            idx,
		SampleData:      []storage.Row{},
		CacheFile:       path,
		OperatorsDetail: rec.OperatorsDetail,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
	if fileExists(path) {
		out.FileExists = true
		rows, total, err := storage.ReadRows(path, limit)
		if err != nil {
			s.log.Warn("read cache file", zap.String("file", path), zap.Error(err))
		}
		if rows != nil {
			out.SampleData = rows
		}
		out.TotalCount = total
	}
	out.SampleCount = len(out.SampleData)
	if d := rec.DetailAt(idx); d != nil {
		out.OperatorName = d.Name
		out.OperatorStatus = d.Status
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func defaultStep(rec *models.ExecutionRecord) int {
	if res := rec.Output.ExecutionResults; len(res) > 0 {
		return res[len(res)-1].Index
	}
	for _, d := range rec.OperatorsDetail {
		if d.Status == models.OperatorRunning {
			return d.Index
		}
	}
	return 0
}

// List returns every execution, newest first.
func (s *Service) List(ctx context.Context) ([]*models.ExecutionRecord, error) {
	recs, err := s.records.List(ctx)
	if err != nil {
		return nil, err
	}
	store.SortByStartedDesc(recs)
	return recs, nil
}
