package generation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRepo struct {
	mu      sync.Mutex
	courses map[string]*domain.Course
	err     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{courses: map[string]*domain.Course{}}
}

func (f *fakeRepo) SaveCourse(_ context.Context, course *domain.Course) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.courses[course.ID] = course
	return nil
}

func (f *fakeRepo) GetCourse(_ context.Context, id string) (*domain.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) ListCourses(context.Context, int) ([]*domain.Course, error) { return nil, nil }
func (f *fakeRepo) Ping(context.Context) error                               { return nil }
func (f *fakeRepo) Close() error                                             { return nil }

// courseProvider answers outline and lesson prompts.
func courseProvider(outlineJSON string, lessonErr error) agent.Completion {
	return agent.CompletionFunc(func(_ context.Context, messages []agent.Message) (string, error) {
		if strings.HasPrefix(messages[0].Content, "You design online courses") {
			return outlineJSON, nil
		}
		if lessonErr != nil {
			return "", lessonErr
		}
		return "## " + strings.TrimPrefix(strings.SplitN(messages[1].Content, "\n", 2)[0], "Lesson: "), nil
	})
}

const cookingOutline = `{"title":"Cooking Fundamentals","description":"Learn to cook","lessons":[
	{"title":"Knife Skills","summary":"Cutting"},
	{"title":"Heat Control"},
	{"title":"Seasoning"}
]}`

type harness struct {
	hub   *realtime.Hub
	coord *Coordinator
	repo  *fakeRepo
}

func newHarness(t *testing.T, workflow Workflow, cfg CoordinatorConfig) *harness {
	t.Helper()
	hub := realtime.NewHub(realtime.HubConfig{})
	coord := NewCoordinator(hub, workflow, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, coord.Shutdown(ctx))
	})
	return &harness{hub: hub, coord: coord}
}

func newCourseHarness(t *testing.T, completion agent.Completion, cfg CoordinatorConfig) *harness {
	t.Helper()
	repo := newFakeRepo()
	h := newHarness(t, NewCourseWorkflow(completion, repo, nil), cfg)
	h.repo = repo
	return h
}

// collect subscribes to the job and returns every frame until the channel ends.
func (h *harness) collect(t *testing.T, jobID string) []domain.Frame {
	t.Helper()
	q := realtime.NewQueue(256)
	sub, err := h.hub.Subscribe(jobID, q, 0)
	require.NoError(t, err)
	frames := append([]domain.Frame{}, sub.Replay...)
	if sub.Closed {
		return frames
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-q.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out waiting for terminal frame")
		}
	}
}

func countTerminal(frames []domain.Frame) (success, failure int) {
	for _, f := range frames {
		switch f.Type {
		case domain.FrameSuccess:
			success++
		case domain.FrameError:
			failure++
		}
	}
	return success, failure
}

func TestCookingJobSucceeds(t *testing.T) {
	h := newCourseHarness(t, courseProvider(cookingOutline, nil), CoordinatorConfig{})

	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	frames := h.collect(t, jobID)
	require.NotEmpty(t, frames)
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.Seq, "frames arrive in publish order")
	}

	last := frames[len(frames)-1]
	assert.Equal(t, domain.FrameSuccess, last.Type)
	courseID, _ := last.Data["courseId"].(string)
	require.NotEmpty(t, courseID)
	assert.Equal(t, 3, last.Data["lessonCount"])

	success, failure := countTerminal(frames)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, failure)
	assert.Equal(t, domain.FrameLog, frames[0].Type)

	var percents []int
	for _, f := range frames {
		if f.Type == domain.FrameProgress {
			percents = append(percents, f.Data["percent"].(int))
		}
	}
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}

	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, status.Status)
	require.NotNil(t, status.LastFrame)
	assert.Equal(t, domain.FrameSuccess, status.LastFrame.Type)
	assert.Equal(t, courseID, status.Result["courseId"])

	course, err := h.repo.GetCourse(context.Background(), courseID)
	require.NoError(t, err)
	assert.Equal(t, "Cooking Fundamentals", course.Title)
	require.Len(t, course.Lessons, 3)
	assert.Equal(t, "Knife Skills", course.Lessons[0].Title)
	assert.Equal(t, "## Knife Skills", course.Lessons[0].Content)
	assert.Equal(t, 3, course.Lessons[2].Position)
}

func TestProviderFailureEndsWithErrorFrame(t *testing.T) {
	h := newCourseHarness(t, courseProvider(cookingOutline, agent.ErrProviderUnavailable), CoordinatorConfig{})

	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)

	frames := h.collect(t, jobID)
	last := frames[len(frames)-1]
	assert.Equal(t, domain.FrameError, last.Type)
	assert.NotEmpty(t, last.Message)

	success, failure := countTerminal(frames)
	assert.Equal(t, 0, success)
	assert.Equal(t, 1, failure)

	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status.Status)
	assert.Contains(t, status.Error, "unavailable")
	assert.Empty(t, h.repo.courses)
}

func TestMalformedOutlineFailsJob(t *testing.T) {
	h := newCourseHarness(t, courseProvider("Here is your course!", nil), CoordinatorConfig{})
	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)

	frames := h.collect(t, jobID)
	assert.Equal(t, domain.FrameError, frames[len(frames)-1].Type)
}

type blockingWorkflow struct {
	release chan struct{}
	panics  bool
}

func (b *blockingWorkflow) Run(_ context.Context, _ string, _ Request, emit Emitter) (map[string]any, error) {
	emit.Log("working", nil)
	if b.panics {
		panic("kaboom")
	}
	<-b.release
	emit.Log("ignored after terminal", nil)
	return map[string]any{"courseId": "late"}, nil
}

func TestWatchdogPublishesSingleErrorFrame(t *testing.T) {
	wf := &blockingWorkflow{release: make(chan struct{})}
	h := newHarness(t, wf, CoordinatorConfig{Timeout: 50 * time.Millisecond})

	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, h.coord.ListActive())

	frames := h.collect(t, jobID)
	last := frames[len(frames)-1]
	assert.Equal(t, domain.FrameError, last.Type)
	assert.Equal(t, "Course generation timed out", last.Message)
	assert.Empty(t, h.coord.ListActive())

	close(wf.release)
	require.Eventually(t, func() bool {
		snap, err := h.hub.Snapshot(jobID)
		return err == nil && snap.Closed
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))

	snap, err := h.hub.Snapshot(jobID)
	require.NoError(t, err)
	success, failure := countTerminal(snap.Frames)
	assert.Equal(t, 0, success)
	assert.Equal(t, 1, failure)

	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status.Status)
}

func TestPanickingWorkflowFailsJob(t *testing.T) {
	h := newHarness(t, &blockingWorkflow{panics: true}, CoordinatorConfig{})
	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)

	frames := h.collect(t, jobID)
	assert.Equal(t, domain.FrameError, frames[len(frames)-1].Type)
	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status.Status)
}

func TestShutdownFailsRunningJobs(t *testing.T) {
	wf := &blockingWorkflow{release: make(chan struct{})}
	h := newHarness(t, wf, CoordinatorConfig{})
	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(wf.release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))

	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status.Status)
	assert.Equal(t, "Course generation was canceled", status.Error)

	_, err = h.coord.Start(Request{Topic: "cooking"})
	assert.Error(t, err)
}

func TestStatusRetention(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	h := newCourseHarness(t, courseProvider(cookingOutline, nil), CoordinatorConfig{Retention: time.Minute, Now: clock})
	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)
	h.collect(t, jobID)

	advance(50 * time.Second)
	_, err = h.coord.Status(jobID)
	require.NoError(t, err, "querying extends retention")

	advance(50 * time.Second)
	assert.Equal(t, 0, h.coord.Prune(clock()))
	_, err = h.coord.Status(jobID)
	require.NoError(t, err)

	advance(time.Minute)
	_, err = h.coord.Status(jobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	n, err := h.coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, &blockingWorkflow{release: make(chan struct{})}, CoordinatorConfig{})

	_, err := h.coord.Start(Request{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.coord.Start(Request{Topic: "x", Difficulty: "expert"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.coord.Start(Request{Topic: "x", LessonCount: MaxLessonCount + 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.coord.Status("unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.coord.ListActive())
}

func TestRequestNormalize(t *testing.T) {
	req, err := Request{Topic: "  baking "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "baking", req.Topic)
	assert.Equal(t, "beginner", req.Difficulty)
	assert.Equal(t, DefaultLessonCount, req.LessonCount)
}

func TestStatusResultIsACopy(t *testing.T) {
	h := newCourseHarness(t, courseProvider(cookingOutline, nil), CoordinatorConfig{})
	jobID, err := h.coord.Start(Request{Topic: "cooking"})
	require.NoError(t, err)
	h.collect(t, jobID)

	status, err := h.coord.Status(jobID)
	require.NoError(t, err)
	courseID := status.Result["courseId"]
	status.Result["courseId"] = "tampered"

	again, err := h.coord.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, courseID, again.Result["courseId"])
}

type ctxWorkflow struct{}

func (ctxWorkflow) Run(ctx context.Context, _ string, _ Request, emit Emitter) (map[string]any, error) {
	emit.Log("waiting", nil)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdownWaitsForWatchdogs(t *testing.T) {
	h := newHarness(t, ctxWorkflow{}, CoordinatorConfig{Timeout: time.Millisecond})

	var ids []string
	for range 20 {
		id, err := h.coord.Start(Request{Topic: "cooking"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))

	for _, id := range ids {
		snap, err := h.hub.Snapshot(id)
		require.NoError(t, err)
		assert.True(t, snap.Closed)
		_, failure := countTerminal(snap.Frames)
		assert.Equal(t, 1, failure)

		status, err := h.coord.Status(id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, status.Status)
	}
}
