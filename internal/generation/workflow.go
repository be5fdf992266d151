package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/store"
)

const outlineSystemPrompt = `You design online courses.
Reply with a single JSON object and nothing else:
{"title": "...", "description": "...", "lessons": [{"title": "...", "summary": "..."}]}
Produce exactly %d lessons for a %s audience.`

const lessonSystemPrompt = `You write one lesson of an online course titled %q.
Write the lesson body in Markdown for a %s audience. Do not repeat the lesson title.`

// DefaultLessonConcurrency bounds concurrent lesson completions per job.
const DefaultLessonConcurrency = 3

type outline struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Lessons     []outlineLesson `json:"lessons"`
}

type outlineLesson struct {
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// CourseWorkflow generates a course outline and lessons with the completion
// provider and stores the result.
type CourseWorkflow struct {
	completion  agent.Completion
	repo        store.CourseRepository
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewCourseWorkflow creates the course generation workflow.
func NewCourseWorkflow(completion agent.Completion, repo store.CourseRepository, logger *slog.Logger) *CourseWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseWorkflow{
		completion:  completion,
		repo:        repo,
		concurrency: DefaultLessonConcurrency,
		now:         time.Now,
		logger:      logger,
	}
}

// Run implements Workflow.
func (w *CourseWorkflow) Run(ctx context.Context, jobID string, req Request, emit Emitter) (map[string]any, error) {
	emit.Log("Starting course generation", map[string]any{"topic": req.Topic, "difficulty": req.Difficulty})
	emit.Progress(5, "outline", "Generating course outline", nil)

	plan, err := w.generateOutline(ctx, req)
	if err != nil {
		return nil, err
	}
	emit.Progress(20, "outline", "Outline ready", map[string]any{
		"title":       plan.Title,
		"lessonCount": len(plan.Lessons),
	})

	courseID := uuid.NewString()
	lessons := make([]domain.Lesson, len(plan.Lessons))

	var mu sync.Mutex
	done := 0
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.concurrency)
	for i, l := range plan.Lessons {
		eg.Go(func() error {
			content, err := w.generateLesson(egCtx, plan.Title, req, l)
			if err != nil {
				return goerr.Wrap(err, "failed to generate lesson", goerr.V("position", i+1))
			}
			lessons[i] = domain.Lesson{
				ID:       uuid.NewString(),
				CourseID: courseID,
				Position: i + 1,
				Title:    l.Title,
				Content:  content,
			}

			mu.Lock()
			done++
			percent := 20 + 70*done/len(plan.Lessons)
			emit.Progress(percent, "lesson", fmt.Sprintf("Lesson %d of %d ready", done, len(plan.Lessons)), map[string]any{
				"position": i + 1,
				"title":    l.Title,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	emit.Progress(95, "persist", "Saving course", nil)
	now := w.now().UTC()
	course := &domain.Course{
		ID:          courseID,
		Title:       plan.Title,
		Description: plan.Description,
		Topic:       req.Topic,
		Difficulty:  req.Difficulty,
		Lessons:     lessons,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.repo.SaveCourse(ctx, course); err != nil {
		return nil, goerr.Wrap(err, "failed to save course", goerr.V("course_id", courseID))
	}

	w.logger.Info("Course generated", "job_id", jobID, "course_id", courseID, "lessons", len(lessons))
	return map[string]any{
		"courseId":    courseID,
		"title":       course.Title,
		"lessonCount": len(lessons),
	}, nil
}

func (w *CourseWorkflow) generateOutline(ctx context.Context, req Request) (outline, error) {
	output, err := w.completion.Complete(ctx, []agent.Message{
		{Role: domain.RoleSystem, Content: fmt.Sprintf(outlineSystemPrompt, req.LessonCount, req.Difficulty)},
		{Role: domain.RoleUser, Content: "Course topic: " + req.Topic},
	})
	if err != nil {
		return outline{}, err
	}

	plan, err := agent.DecodeStructured[outline](output)
	if err != nil {
		return outline{}, err
	}

	plan.Title = strings.TrimSpace(plan.Title)
	if plan.Title == "" {
		return outline{}, goerr.Wrap(agent.ErrProviderError, "outline has no title")
	}
	lessons := make([]outlineLesson, 0, len(plan.Lessons))
	for _, l := range plan.Lessons {
		if strings.TrimSpace(l.Title) != "" {
			lessons = append(lessons, l)
		}
	}
	if len(lessons) == 0 {
		return outline{}, goerr.Wrap(agent.ErrProviderError, "outline has no lessons")
	}
	if len(lessons) > req.LessonCount {
		lessons = lessons[:req.LessonCount]
	}
	plan.Lessons = lessons
	return plan, nil
}

func (w *CourseWorkflow) generateLesson(ctx context.Context, courseTitle string, req Request, l outlineLesson) (string, error) {
	prompt := "Lesson: " + l.Title
	if l.Summary != "" {
		prompt += "\nSummary: " + l.Summary
	}
	content, err := w.completion.Complete(ctx, []agent.Message{
		{Role: domain.RoleSystem, Content: fmt.Sprintf(lessonSystemPrompt, courseTitle, req.Difficulty)},
		{Role: domain.RoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", goerr.Wrap(agent.ErrProviderError, "empty lesson content", goerr.V("lesson", l.Title))
	}
	return content, nil
}
