package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/insight"
	"github.com/tokoroten/tokoroten/internal/pipeline"
	"github.com/tokoroten/tokoroten/internal/progress"
)

// ErrQueueFull is returned by Submit when every queue slot is taken
var ErrQueueFull = errors.New("job queue is full")

// Job status constants
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusComplete   JobStatus = "complete"
	StatusFailed     JobStatus = "failed"
)

// Update is one message on a job's event stream
type Update struct {
	Event   string    `json:"event"` // "progress" or "done"
	Message string    `json:"message"`
	Status  JobStatus `json:"status"`
}

// JobView is the JSON form of a job
type JobView struct {
	ID          string           `json:"id"`
	AudioFileID int64            `json:"audio_file_id"`
	Filename    string           `json:"filename"`
	Status      JobStatus        `json:"status"`
	Stage       string           `json:"stage"`
	Error       string           `json:"error,omitempty"`
	Result      *pipeline.Result `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Job is one queued run of the full pipeline. Progress lines written to
// the job are fanned out to every subscriber and replayed to late ones.
type Job struct {
	ID          string
	AudioFileID int64
	Filename    string
	InputPath   string
	WorkDir     string
	Insight     insight.AnalysisType
	CreatedAt   time.Time

	mu      sync.Mutex
	status  JobStatus
	stage   string
	errMsg  string
	result  *pipeline.Result
	history []Update
	subs    map[chan Update]struct{}
}

// MIDIPath is where the job writes its combined MIDI file
func (j *Job) MIDIPath() string { return filepath.Join(j.WorkDir, "output.mid") }

// StemsDir is where the job exports separated stems
func (j *Job) StemsDir() string { return filepath.Join(j.WorkDir, "stems") }

// View snapshots the job for JSON output
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobView{
		ID:          j.ID,
		AudioFileID: j.AudioFileID,
		Filename:    j.Filename,
		Status:      j.status,
		Stage:       j.stage,
		Error:       j.errMsg,
		Result:      j.result,
		CreatedAt:   j.CreatedAt,
	}
}

// Status returns the current status
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Write publishes each non-empty line of p as a progress update, so a
// progress.Reporter can report straight into the job.
func (j *Job) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			j.publish(Update{Event: "progress", Message: line})
		}
	}
	return len(p), nil
}

// Subscribe returns the updates published so far and a channel carrying
// the rest. The channel is closed after the final "done" update; for a
// finished job it is already closed. Call cancel when no longer reading.
func (j *Job) Subscribe() (history []Update, updates <-chan Update, cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	history = append([]Update(nil), j.history...)
	ch := make(chan Update, 64)
	if j.finishedLocked() {
		close(ch)
		return history, ch, func() {}
	}
	j.subs[ch] = struct{}{}
	return history, ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
	}
}

func (j *Job) finishedLocked() bool {
	return j.status == StatusComplete || j.status == StatusFailed
}

func (j *Job) publish(u Update) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.publishLocked(u)
}

func (j *Job) publishLocked(u Update) {
	if u.Status == "" {
		u.Status = j.status
	}
	if u.Event == "progress" {
		j.stage = u.Message
	}
	j.history = append(j.history, u)
	for ch := range j.subs {
		select {
		case ch <- u:
		default:
			// slow reader; it can recover from /jobs/{id}
		}
	}
}

func (j *Job) start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusProcessing
	j.publishLocked(Update{Event: "progress", Message: "Processing..."})
}

func (j *Job) finish(res *pipeline.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.status = StatusFailed
		j.errMsg = err.Error()
		j.stage = "Failed"
	} else {
		j.status = StatusComplete
		j.result = res
		j.stage = "Complete!"
	}
	msg := string(j.status)
	if j.errMsg != "" {
		msg = j.errMsg
	}
	j.publishLocked(Update{Event: "done", Message: msg})
	for ch := range j.subs {
		close(ch)
	}
	j.subs = map[chan Update]struct{}{}
}

// JobConfig holds job manager settings
type JobConfig struct {
	WorkRoot  string // parent of job work dirs (system temp when empty)
	Workers   int
	QueueSize int
	TTL       time.Duration // how long a finished job and its files are kept
	Pipeline  pipeline.Config
}

// JobManager queues jobs onto a bounded worker pool and forgets them,
// files included, once their retention period has passed
type JobManager struct {
	cfg    JobConfig
	orch   *pipeline.Orchestrator
	logger *zap.Logger

	mu     sync.RWMutex
	jobs   map[string]*Job
	timers map[string]*time.Timer

	queue chan *Job
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
	once  sync.Once
}

// NewJobManager creates a job manager; call Start to launch its workers
func NewJobManager(cfg JobConfig, orch *pipeline.Orchestrator, logger *zap.Logger) *JobManager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		cfg:    cfg,
		orch:   orch,
		logger: logger,
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		queue:  make(chan *Job, cfg.QueueSize),
		ctx:    ctx,
		stop:   stop,
	}
}

// Start launches the worker goroutines
func (m *JobManager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for job := range m.queue {
				m.process(job)
			}
		}()
	}
}

// Stop cancels running jobs, drains the queue and removes every job dir
func (m *JobManager) Stop() {
	m.once.Do(func() {
		m.stop()
		m.mu.Lock()
		close(m.queue)
		m.mu.Unlock()
		m.wg.Wait()

		m.mu.Lock()
		defer m.mu.Unlock()
		for id, t := range m.timers {
			t.Stop()
			delete(m.timers, id)
		}
		for id, job := range m.jobs {
			os.RemoveAll(job.WorkDir)
			delete(m.jobs, id)
		}
	})
}

// Create registers a pending job with its own work directory
func (m *JobManager) Create(audioFileID int64, filename, inputPath string, typ insight.AnalysisType) (*Job, error) {
	if m.cfg.WorkRoot != "" {
		if err := os.MkdirAll(m.cfg.WorkRoot, 0755); err != nil {
			return nil, err
		}
	}
	id := uuid.NewString()
	workDir, err := os.MkdirTemp(m.cfg.WorkRoot, "tokoroten-job-*")
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          id,
		AudioFileID: audioFileID,
		Filename:    filename,
		InputPath:   inputPath,
		WorkDir:     workDir,
		Insight:     typ,
		CreatedAt:   time.Now(),
		status:      StatusPending,
		stage:       "Queued",
		subs:        map[chan Update]struct{}{},
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()
	return job, nil
}

// Submit queues job without blocking. When the queue is full the job is
// failed, forgotten and ErrQueueFull returned.
func (m *JobManager) Submit(job *Job) error {
	if err := m.enqueue(job); err != nil {
		m.logger.Warn("job rejected", zap.String("job_id", job.ID), zap.Error(err))
		job.finish(nil, err)
		m.remove(job.ID)
		return err
	}
	return nil
}

func (m *JobManager) enqueue(job *Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx.Err() != nil {
		return m.ctx.Err()
	}
	select {
	case m.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get retrieves a job by ID
func (m *JobManager) Get(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Len reports how many jobs are currently retained
func (m *JobManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *JobManager) process(job *Job) {
	defer m.expire(job)

	if m.ctx.Err() != nil {
		job.finish(nil, m.ctx.Err())
		return
	}
	job.start()
	log := m.logger.With(zap.String("job_id", job.ID), zap.Int64("audio_file_id", job.AudioFileID))
	log.Info("job started", zap.String("file", job.Filename))

	cfg := m.cfg.Pipeline
	cfg.InputPath = job.InputPath
	cfg.MIDIOutputPath = job.MIDIPath()
	cfg.StemsOutputDir = job.StemsDir()
	cfg.FeaturesPath = filepath.Join(job.WorkDir, "features.json")
	cfg.Insight = job.Insight
	cfg.AudioFileID = job.AudioFileID
	cfg.Persist = job.AudioFileID != 0

	orch := m.orch.WithProgress(progress.NewReporter(job, true))
	res, err := orch.Process(m.ctx, cfg)
	if err != nil {
		log.Error("job failed", zap.Error(err))
		job.finish(nil, err)
		return
	}
	log.Info("job complete",
		zap.String("separation", string(res.SeparationResult)),
		zap.Int("stems", len(res.Stems)),
		zap.Float64("elapsed_seconds", res.Elapsed))
	job.finish(res, nil)
}

// expire schedules removal of the job and its files after the TTL
func (m *JobManager) expire(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	m.timers[job.ID] = time.AfterFunc(m.cfg.TTL, func() { m.remove(job.ID) })
}

// remove deletes the job's files before forgetting the job, so a 404 from
// Get means the files are gone
func (m *JobManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job != nil {
		if err := os.RemoveAll(job.WorkDir); err != nil {
			m.logger.Warn("job dir cleanup failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	delete(m.jobs, id)
	delete(m.timers, id)
}
