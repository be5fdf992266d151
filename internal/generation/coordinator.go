// Package generation drives long-running course generation jobs and streams
// their progress through realtime channels.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/realtime"
)

const (
	// DefaultRetention is how long a finished job stays queryable after its
	// last status query.
	DefaultRetention = 15 * time.Minute
	// DefaultLessonCount is used when a request does not specify one.
	DefaultLessonCount = 4
	// MaxLessonCount bounds the lessons per generated course.
	MaxLessonCount = 12

	maxTopicLength = 200
)

// ErrJobTimeout is the failure recorded when the watchdog fires.
var ErrJobTimeout = goerr.New("generation job timed out")

// Channel is the realtime fan-out used by the coordinator. realtime.Hub is
// the in-process implementation.
type Channel interface {
	Open(key string) error
	Publish(key string, frame domain.Frame) (domain.Frame, error)
	Close(key string) error
}

// Emitter publishes non-terminal progress for a running job.
type Emitter interface {
	Log(message string, data map[string]any)
	Progress(percent int, step, message string, data map[string]any)
}

// Workflow performs the work of one job. The returned map becomes the data
// of the success frame.
type Workflow interface {
	Run(ctx context.Context, jobID string, req Request, emit Emitter) (map[string]any, error)
}

// Request describes a course to generate.
type Request struct {
	Topic       string `json:"topic"`
	Difficulty  string `json:"difficulty,omitempty"`
	LessonCount int    `json:"lesson_count,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Normalize validates the request and fills defaults.
func (r Request) Normalize() (Request, error) {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Topic == "" {
		return r, goerr.Wrap(domain.ErrValidation, "topic is required")
	}
	if utf8.RuneCountInString(r.Topic) > maxTopicLength {
		return r, goerr.Wrap(domain.ErrValidation, "topic is too long", goerr.V("max", maxTopicLength))
	}
	switch r.Difficulty {
	case "":
		r.Difficulty = "beginner"
	case "beginner", "intermediate", "advanced":
	default:
		return r, goerr.Wrap(domain.ErrValidation, "invalid difficulty", goerr.V("difficulty", r.Difficulty))
	}
	if r.LessonCount == 0 {
		r.LessonCount = DefaultLessonCount
	}
	if r.LessonCount < 1 || r.LessonCount > MaxLessonCount {
		return r, goerr.Wrap(domain.ErrValidation, "lesson_count out of range",
			goerr.V("lesson_count", r.LessonCount), goerr.V("max", MaxLessonCount))
	}
	return r, nil
}

// Status is the point-in-time view of a job.
type Status struct {
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	Topic      string           `json:"topic"`
	LastFrame  *domain.Frame    `json:"last_frame,omitempty"`
	Result     map[string]any   `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

type job struct {
	mu          sync.Mutex
	id          string
	request     Request
	status      domain.JobStatus
	lastFrame   *domain.Frame
	result      map[string]any
	errMsg      string
	startedAt   time.Time
	finishedAt  time.Time
	lastQueried time.Time
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Timeout bounds each job; zero disables the watchdog.
	Timeout   time.Duration
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Coordinator starts generation jobs and answers status queries.
type Coordinator struct {
	channel   Channel
	workflow  Workflow
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	jobs   sync.Map // jobID -> *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator. Jobs run on a context owned by the
// coordinator, so client disconnects never cancel them; Shutdown does.
func NewCoordinator(channel Channel, workflow Workflow, cfg CoordinatorConfig) *Coordinator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		channel:   channel,
		workflow:  workflow,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start validates req, opens the job's channel and runs the workflow in the
// background. It returns as soon as the job is registered.
func (c *Coordinator) Start(req Request) (string, error) {
	if c.ctx.Err() != nil {
		return "", goerr.New("coordinator is shut down")
	}
	req, err := req.Normalize()
	if err != nil {
		return "", err
	}

	j := &job{
		id:        uuid.NewString(),
		request:   req,
		status:    domain.JobRunning,
		startedAt: c.now(),
	}
	if err := c.channel.Open(j.id); err != nil {
		return "", goerr.Wrap(err, "failed to open job channel", goerr.V("job_id", j.id))
	}
	c.jobs.Store(j.id, j)

	c.wg.Add(1)
	go c.run(j)

	c.logger.Info("Generation job started", "job_id", j.id, "topic", req.Topic, "lessons", req.LessonCount)
	return j.id, nil
}

func (c *Coordinator) run(j *job) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if c.timeout > 0 {
		c.wg.Add(1)
		watchdog := time.AfterFunc(c.timeout, func() {
			defer c.wg.Done()
			c.finish(j, nil, goerr.Wrap(ErrJobTimeout, "watchdog fired", goerr.V("timeout", c.timeout.String())))
			cancel()
		})
		defer func() {
			if watchdog.Stop() {
				c.wg.Done()
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Generation workflow panicked", "job_id", j.id, "panic", r)
			c.finish(j, nil, goerr.New("workflow panicked", goerr.V("panic", fmt.Sprint(r))))
		}
	}()

	result, err := c.workflow.Run(ctx, j.id, j.request, &jobEmitter{c: c, job: j})
	if err == nil && ctx.Err() != nil {
		err = goerr.Wrap(ctx.Err(), "job canceled")
	}
	c.finish(j, result, err)
}

// finish records the terminal state and publishes the single terminal
// frame. Later calls for the same job are ignored.
func (c *Coordinator) finish(j *job, result map[string]any, runErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsTerminal() {
		return
	}

	var frame domain.Frame
	if runErr != nil {
		j.status = domain.JobFailed
		j.errMsg = failureMessage(runErr)
		frame = domain.NewFrame(domain.FrameError, j.errMsg, map[string]any{"job_id": j.id})
		c.logger.Warn("Generation job failed", "job_id", j.id, "error", runErr)
	} else {
		if result == nil {
			result = map[string]any{}
		}
		j.status = domain.JobSucceeded
		j.result = result
		frame = domain.NewFrame(domain.FrameSuccess, "Course generated", result)
		c.logger.Info("Generation job succeeded", "job_id", j.id)
	}
	j.finishedAt = c.now()
	c.publishLocked(j, frame)
}

func (c *Coordinator) publishLocked(j *job, frame domain.Frame) {
	published, err := c.channel.Publish(j.id, frame)
	if err != nil {
		if errors.Is(err, realtime.ErrChannelClosed) {
			c.logger.Debug("Dropped frame for closed channel", "job_id", j.id, "frame_type", frame.Type)
		} else {
			c.logger.Warn("Failed to publish frame", "job_id", j.id, "frame_type", frame.Type, "error", err)
		}
		published = frame
	}
	j.lastFrame = &published
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrJobTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Course generation timed out"
	case errors.Is(err, context.Canceled):
		return "Course generation was canceled"
	case errors.Is(err, agent.ErrProviderUnavailable):
		return "Course generation failed: the content provider is unavailable"
	case errors.Is(err, agent.ErrProviderError):
		return "Course generation failed: the content provider returned an unusable response"
	default:
		return "Course generation failed: " + err.Error()
	}
}

// Status returns the job's current state. Finished jobs stay queryable until
// they have gone unqueried for the retention window.
func (c *Coordinator) Status(jobID string) (Status, error) {
	v, ok := c.jobs.Load(jobID)
	if !ok {
		return Status{}, goerr.Wrap(domain.ErrNotFound, "job not found", goerr.V("job_id", jobID))
	}
	j := v.(*job)

	j.mu.Lock()
	defer j.mu.Unlock()

	now := c.now()
	if c.expiredLocked(j, now) {
		return Status{}, goerr.Wrap(domain.ErrNotFound, "job expired", goerr.V("job_id", jobID))
	}
	j.lastQueried = now
	return j.viewLocked(), nil
}

// ListActive returns the ids of running jobs, oldest first.
func (c *Coordinator) ListActive() []string {
	type entry struct {
		id      string
		started time.Time
	}
	var active []entry
	c.jobs.Range(func(_, v any) bool {
		j := v.(*job)
		j.mu.Lock()
		if j.status == domain.JobRunning {
			active = append(active, entry{j.id, j.startedAt})
		}
		j.mu.Unlock()
		return true
	})
	slices.SortFunc(active, func(a, b entry) int {
		if d := a.started.Compare(b.started); d != 0 {
			return d
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, 0, len(active))
	for _, e := range active {
		ids = append(ids, e.id)
	}
	return ids
}

// Prune forgets finished jobs past their retention window.
func (c *Coordinator) Prune(now time.Time) int {
	pruned := 0
	c.jobs.Range(func(k, v any) bool {
		j := v.(*job)
		j.mu.Lock()
		expired := c.expiredLocked(j, now)
		j.mu.Unlock()
		if expired && c.jobs.CompareAndDelete(k, j) {
			pruned++
		}
		return true
	})
	if pruned > 0 {
		c.logger.Info("Finished generation jobs pruned", "count", pruned)
	}
	return pruned
}

// Name identifies the coordinator to the TTL worker.
func (c *Coordinator) Name() string { return "generation_jobs" }

// Sweep implements lifecycle.Sweeper.
func (c *Coordinator) Sweep(_ context.Context) (int, error) {
	return c.Prune(c.now()), nil
}

// Shutdown cancels running jobs and waits for them to publish their
// terminal frames.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "generation jobs did not stop in time")
	}
}

func (c *Coordinator) expiredLocked(j *job, now time.Time) bool {
	if !j.status.IsTerminal() {
		return false
	}
	last := j.finishedAt
	if j.lastQueried.After(last) {
		last = j.lastQueried
	}
	return now.Sub(last) >= c.retention
}

func (j *job) viewLocked() Status {
	s := Status{
		JobID:     j.id,
		Status:    j.status,
		Topic:     j.request.Topic,
		Result:    maps.Clone(j.result),
		Error:     j.errMsg,
		StartedAt: j.startedAt,
	}
	if j.lastFrame != nil {
		f := *j.lastFrame
		s.LastFrame = &f
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

type jobEmitter struct {
	c   *Coordinator
	job *job
}

func (e *jobEmitter) Log(message string, data map[string]any) {
	e.emit(domain.NewFrame(domain.FrameLog, message, data))
}

func (e *jobEmitter) Progress(percent int, step, message string, data map[string]any) {
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["percent"] = min(max(percent, 0), 100)
	payload["step"] = step
	e.emit(domain.NewFrame(domain.FrameProgress, message, payload))
}

func (e *jobEmitter) emit(frame domain.Frame) {
	e.job.mu.Lock()
	defer e.job.mu.Unlock()
	if e.job.status.IsTerminal() {
		return
	}
	e.c.publishLocked(e.job, frame)
}
